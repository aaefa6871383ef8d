package classifier

// Category is one of the four workload buckets a GPU-resident process
// is assigned to. Every resident process gets exactly one category per
// tick.
type Category string

const (
	Gaming         Category = "gaming"
	LLMInference   Category = "llm_inference"
	MLTraining     Category = "ml_training"
	GeneralCompute Category = "general_compute"
)

// Rules carries the tunable classification heuristics, sourced from
// config.ClassifierConfig so an operator can recalibrate them (notably
// the gaming utilization threshold) without a rebuild.
type Rules struct {
	GamingUtilThreshold int
	GameBinaryGlobs     []string
	HeavyMemoryBytes    int64
	HeavyResidencySecs  int64
	ModelServerBinary   string
}

// DefaultRules returns the built-in defaults used when the config file
// omits the classifier section.
func DefaultRules() Rules {
	return Rules{
		GamingUtilThreshold: 60,
		GameBinaryGlobs:     []string{"*-dx12.exe", "*-vulkan.exe", "*.x86_64"},
		HeavyMemoryBytes:    2 * 1024 * 1024 * 1024,
		HeavyResidencySecs:  60,
		ModelServerBinary:   "ollama",
	}
}

var mlFrameworkKeywords = []string{"torch", "tensorflow", "jax"}
var inferenceKeywords = []string{"generate", "inference", "predict", "serve"}

// gameLibraryMarkers are path fragments identifying known game-library
// layouts (Steam, Epic, GOG), matched case-insensitively against the
// executable's absolute path.
var gameLibraryMarkers = []string{
	"/steamapps/common/",
	"steamapps\\common\\",
	"/epic games/",
	"epic games\\",
	"/gog games/",
	"gog games\\",
}
