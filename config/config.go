package config

import (
	"log"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// RealtimeConfig configures the upstream realtime speech API used by the
// session negotiator.
type RealtimeConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	APIKey       string `mapstructure:"api_key"`
	BaseURL      string `mapstructure:"base_url" validate:"required"`
	Model        string `mapstructure:"model" validate:"required"`
	Voice        string `mapstructure:"voice" validate:"required"`
	Instructions string `mapstructure:"instructions"`
}

// AppConfig is the application config structure.
type AppConfig struct {
	Name     string `mapstructure:"service_name" validate:"required"`
	Version  string `mapstructure:"version" validate:"required"`
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"required"`
	LogFile  string `mapstructure:"log_file"`

	// CallLogPath is the sqlite database holding call-session records.
	CallLogPath string `mapstructure:"call_log_path" validate:"required"`

	RealtimeConfig RealtimeConfig `mapstructure:"realtime" validate:"required"`
}

// InitConfig reads config from an env file and the process environment.
func InitConfig() (*viper.Viper, error) {
	vConfig := viper.NewWithOptions(viper.KeyDelimiter("__"))

	vConfig.AddConfigPath(".")
	vConfig.SetConfigName(".env")
	if path := os.Getenv("ENV_PATH"); path != "" {
		log.Printf("env path %v", path)
		vConfig.SetConfigFile(path)
	}
	vConfig.SetConfigType("env")
	vConfig.AutomaticEnv()

	setDefault(vConfig)
	if err := vConfig.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		log.Printf("Reading from env variables.")
	}

	return vConfig, nil
}

func setDefault(v *viper.Viper) {
	v.SetDefault("SERVICE_NAME", "voxbridge-gateway")
	v.SetDefault("VERSION", "0.0.1")
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 9090)
	v.SetDefault("LOG_LEVEL", "debug")
	v.SetDefault("LOG_FILE", "")
	v.SetDefault("CALL_LOG_PATH", "voxbridge-calls.db")

	v.SetDefault("REALTIME__ENABLED", true)
	v.SetDefault("REALTIME__API_KEY", "")
	v.SetDefault("REALTIME__BASE_URL", "https://api.openai.com")
	v.SetDefault("REALTIME__MODEL", "gpt-4o-realtime-preview")
	v.SetDefault("REALTIME__VOICE", "alloy")
	v.SetDefault("REALTIME__INSTRUCTIONS", "")
}

// GetApplicationConfig unmarshals and validates the application config.
func GetApplicationConfig(v *viper.Viper) (*AppConfig, error) {
	var config AppConfig
	if err := v.Unmarshal(&config); err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}

	validate := validator.New()
	if err := validate.Struct(&config); err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}
	return &config, nil
}
