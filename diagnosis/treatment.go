package diagnosis

import "fmt"

// treatments is the fixed disease→treatment table, keyed by the raw
// underscored label exactly as it appears in the label catalog.
var treatments = map[string]string{
	"Tomato_healthy": "No disease detected. Maintain regular watering, balanced fertilization and routine scouting.",
	"Tomato_Early_blight": "Apply chlorothalonil (1-2 lbs per acre) every 7-10 days; copper-based fungicides are the organic alternative. " +
		"Remove infected lower leaves and rotate with non-solanaceous crops.",
	"Tomato_Late_blight": "Apply a protectant fungicide such as mancozeb or chlorothalonil immediately and destroy infected plants. " +
		"Avoid overhead irrigation; do not compost infected material.",
	"Tomato_Leaf_Mold":              "Improve greenhouse ventilation and lower humidity below 85%. Apply copper-based fungicide and remove infected foliage.",
	"Tomato_Bacterial_spot":         "Apply copper plus mancozeb sprays at first symptoms. Use certified disease-free seed and avoid working plants when wet.",
	"Tomato_Septoria_leaf_spot":     "Remove infected lower leaves, mulch the soil line and apply chlorothalonil or copper fungicide every 7-10 days.",
	"Tomato_Yellow_Leaf_Curl_Virus": "No curative treatment. Control whitefly vectors with insecticidal soap or neem, remove infected plants and use resistant varieties.",
	"Tomato_mosaic_virus":           "No curative treatment. Remove and destroy infected plants, disinfect tools and wash hands before handling healthy plants.",
	"Potato_healthy":                "No disease detected. Keep hilling soil over tubers and monitor foliage weekly.",
	"Potato_Early_blight":           "Apply chlorothalonil or azoxystrobin at 7-10 day intervals starting at first symptoms. Rotate away from solanaceous crops for two seasons.",
	"Potato_Late_blight":            "Apply systemic fungicide (metalaxyl-based) without delay and destroy infected foliage. Harvest tubers only after vines are fully dead.",
	"Maize_healthy":                 "No disease detected. Maintain balanced nitrogen and scout during humid periods.",
	"Maize_Common_rust":             "Apply triazole fungicide at first sign of pustules per manufacturer instructions. Plant resistant hybrids next season.",
	"Maize_Northern_Leaf_Blight":    "Apply a triazole or strobilurin fungicide at early tasseling if lesions reach the upper leaves. Rotate crops and bury residue.",
	"Pepper_bell_healthy":           "No disease detected. Avoid overhead watering and maintain even soil moisture.",
	"Pepper_bell_Bacterial_spot":    "Apply copper-based bactericide weekly during wet weather. Use disease-free seed and three-year rotation.",
}

// scientificNames maps raw labels to pathogen names; healthy labels and
// unknown diseases have none.
var scientificNames = map[string]string{
	"Tomato_Early_blight":           "Alternaria solani",
	"Tomato_Late_blight":            "Phytophthora infestans",
	"Tomato_Leaf_Mold":              "Passalora fulva",
	"Tomato_Bacterial_spot":         "Xanthomonas campestris pv. vesicatoria",
	"Tomato_Septoria_leaf_spot":     "Septoria lycopersici",
	"Tomato_Yellow_Leaf_Curl_Virus": "Begomovirus TYLCV",
	"Tomato_mosaic_virus":           "Tobamovirus ToMV",
	"Potato_Early_blight":           "Alternaria solani",
	"Potato_Late_blight":            "Phytophthora infestans",
	"Maize_Common_rust":             "Puccinia sorghi",
	"Maize_Northern_Leaf_Blight":    "Exserohilum turcicum",
	"Pepper_bell_Bacterial_spot":    "Xanthomonas campestris pv. vesicatoria",
}

// TreatmentFor returns the table entry for the raw label. On a miss the
// fallback wording depends on confidence: above 0.7 the infection is treated
// as established, otherwise as early-stage.
func TreatmentFor(raw string, confidence float32) string {
	if t, ok := treatments[raw]; ok {
		return t
	}
	name := FormatDiseaseName(raw)
	if confidence > 0.7 {
		return fmt.Sprintf("No specific treatment on record for %s. The infection appears severe; "+
			"isolate affected plants immediately and consult your local agricultural extension officer.", name)
	}
	return fmt.Sprintf("No specific treatment on record for %s. Symptoms appear mild; "+
		"monitor the crop daily and consult an agricultural extension officer if they spread.", name)
}

// ScientificNameFor returns the pathogen name for the raw label, or "".
func ScientificNameFor(raw string) string {
	return scientificNames[raw]
}
