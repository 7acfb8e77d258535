package model

import (
	"fmt"
	"os"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/mkulima/leafscan/errs"
)

// ortSession wraps an ONNX Runtime session with preallocated input/output
// tensors. Run is not reentrant; the Manager holds the only reference and
// serializes calls.
type ortSession struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

// LoadONNX is the default Loader. It expects an input shape [1,H,W,C] and an
// output shape [1,N]. ort.InitializeEnvironment must have been called.
func LoadONNX(path string) (Session, Info, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, Info{}, errs.Wrap(errs.KindResourceMissing, "model artifact not found at "+path, err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, Info{}, errs.Wrap(errs.KindModelUnavailable, "cannot read model input/output info", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, Info{}, errs.New(errs.KindModelUnavailable, "model declares no inputs or outputs")
	}

	inShape := inputs[0].Dimensions
	outShape := outputs[0].Dimensions
	if len(inShape) != 4 || len(outShape) != 2 {
		return nil, Info{}, errs.New(errs.KindModelUnavailable, fmt.Sprintf(
			"unexpected tensor ranks: input %v output %v", inShape, outShape))
	}

	info := Info{
		Height:    int(inShape[1]),
		Width:     int(inShape[2]),
		Channels:  int(inShape[3]),
		OutputLen: int(outShape[1]),
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(1, inShape[1], inShape[2], inShape[3]),
		make([]float32, info.Height*info.Width*info.Channels))
	if err != nil {
		return nil, Info{}, errs.Wrap(errs.KindModelUnavailable, "cannot create input tensor", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, outShape[1]))
	if err != nil {
		inputTensor.Destroy()
		return nil, Info{}, errs.Wrap(errs.KindModelUnavailable, "cannot create output tensor", err)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, Info{}, errs.Wrap(errs.KindModelUnavailable, "cannot create session options", err)
	}
	defer opts.Destroy()

	session, err := ort.NewAdvancedSession(
		path,
		[]string{inputs[0].Name},
		[]string{outputs[0].Name},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		opts,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, Info{}, errs.Wrap(errs.KindModelUnavailable, "cannot create inference session", err)
	}

	return &ortSession{session: session, input: inputTensor, output: outputTensor}, info, nil
}

func (s *ortSession) Run(input []float32) ([]float32, error) {
	copy(s.input.GetData(), input)
	if err := s.session.Run(); err != nil {
		return nil, err
	}
	raw := s.output.GetData()
	out := make([]float32, len(raw))
	copy(out, raw)
	return out, nil
}

func (s *ortSession) Close() error {
	var firstErr error
	if s.session != nil {
		if err := s.session.Destroy(); err != nil {
			firstErr = err
		}
	}
	if s.input != nil {
		if err := s.input.Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.output != nil {
		if err := s.output.Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
