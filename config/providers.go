package config

import (
	"strings"
	"sync"
)

var (
	providersOnce   sync.Once
	providersConfig *ProvidersConfig
)

// ProvidersConfig holds credentials and tuning for every recognition backend.
// A provider with an empty key/endpoint is considered unconfigured.
type ProvidersConfig struct {
	// Active selects the provider used for new jobs.
	Active string

	Google    GoogleConfig
	Microsoft MicrosoftConfig
	Mistral   MistralConfig
	Textract  TextractConfig
	Tesseract TesseractConfig
}

type GoogleConfig struct {
	APIKey   string
	Endpoint string
}

type MicrosoftConfig struct {
	Endpoint string
	APIKey   string
	Language string
}

type MistralConfig struct {
	APIKey   string
	Endpoint string
	Model    string
	// MaxRetries overrides the pipeline retryAttempts setting when positive.
	MaxRetries   int
	DirectPDF    bool
	MaxPDFSizeMB int
	MaxPDFPages  int
}

type TextractConfig struct {
	Region    string
	AccessKey string
	SecretKey string
}

type TesseractConfig struct {
	Enabled   bool
	Languages []string
}

// GetProvidersConfig loads provider configuration from the environment once.
func GetProvidersConfig() *ProvidersConfig {
	providersOnce.Do(func() {
		loadEnv()

		providersConfig = &ProvidersConfig{
			Active: getEnv("OCR_ACTIVE_PROVIDER", "mistral"),
			Google: GoogleConfig{
				APIKey:   getEnv("GOOGLE_VISION_API_KEY", ""),
				Endpoint: getEnv("GOOGLE_VISION_ENDPOINT", "https://vision.googleapis.com/v1/images:annotate"),
			},
			Microsoft: MicrosoftConfig{
				Endpoint: getEnv("AZURE_VISION_ENDPOINT", ""),
				APIKey:   getEnv("AZURE_VISION_API_KEY", ""),
				Language: getEnv("AZURE_VISION_LANGUAGE", ""),
			},
			Mistral: MistralConfig{
				APIKey:   getEnv("MISTRAL_API_KEY", ""),
				Endpoint: getEnv("MISTRAL_ENDPOINT", "https://api.mistral.ai"),
				Model:    getEnv("MISTRAL_OCR_MODEL", "mistral-ocr-latest"),
				// 0 means retryAttempts from the processing settings applies.
				MaxRetries:   getEnvInt("MISTRAL_MAX_RETRIES", 0),
				DirectPDF:    getEnvBool("MISTRAL_DIRECT_PDF", false),
				MaxPDFSizeMB: getEnvInt("MISTRAL_MAX_PDF_SIZE_MB", 50),
				MaxPDFPages:  getEnvInt("MISTRAL_MAX_PDF_PAGES", 1000),
			},
			Textract: TextractConfig{
				Region:    getEnv("AWS_REGION", ""),
				AccessKey: getEnv("AWS_ACCESS_KEY", ""),
				SecretKey: getEnv("AWS_SECRET_KEY", ""),
			},
			Tesseract: TesseractConfig{
				Enabled:   getEnvBool("TESSERACT_ENABLED", false),
				Languages: splitList(getEnv("TESSERACT_LANGUAGES", "eng")),
			},
		}
	})
	return providersConfig
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
