package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/viper"
)

const (
	EnvPrefix  = "VOTE"
	configName = "pollify"

	StoreMongo  = "mongo"
	StoreMemory = "memory"

	AuthNone     = "none"
	AuthFirebase = "firebase"
	AuthCSH      = "csh"
)

// Keys double as CLI flag names. With the VOTE prefix and "." replaced by "_"
// they also name the environment variables, e.g. VOTE_MONGODB_URI.
const (
	KeyHTTPAddr                = "http.addr"
	KeyStoreDriver             = "store.driver"
	KeyMongoURI                = "mongodb.uri"
	KeyMongoDatabase           = "mongodb.database"
	KeyMongoTimeout            = "mongodb.timeout"
	KeyMongoRetries            = "mongodb.connect_retries"
	KeyAuthProvider            = "auth.provider"
	KeyFirebaseCredentialsFile = "firebase.credentials_file"
	KeyFirebaseCredentialsJSON = "firebase.credentials_json"
	KeyCSHClientId             = "oidc.id"
	KeyCSHSecret               = "oidc.secret"
	KeyCSHJWTSecret            = "jwt.secret"
	KeyCSHState                = "state"
	KeyCSHHost                 = "host"
	KeyRequireAccount          = "fairness.require_account"
	KeyCheckAddress            = "fairness.check_address"
	KeyCORSOrigins             = "cors.allowed_origins"
	KeyBroadcastPatience       = "broadcast.patience"
	KeyLogLevel                = "log.level"
)

type Config struct {
	HTTPAddr string
	Store    StoreConfig
	Auth     AuthConfig
	Fairness FairnessConfig

	CORSOrigins       []string
	BroadcastPatience time.Duration
	LogLevel          string
}

type StoreConfig struct {
	Driver         string
	MongoURI       string
	Database       string
	Timeout        time.Duration
	ConnectRetries uint64
}

type AuthConfig struct {
	Provider string

	FirebaseCredentialsFile string
	FirebaseCredentialsJSON string

	CSHClientId  string
	CSHSecret    string
	CSHJWTSecret string
	CSHState     string
	CSHHost      string
}

type FairnessConfig struct {
	RequireAccount bool
	CheckAddress   bool
}

// New returns a viper instance with defaults and environment binding applied.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName(configName)
	v.SetConfigType("toml")
	v.AddConfigPath(".")

	v.SetDefault(KeyHTTPAddr, ":8080")
	v.SetDefault(KeyStoreDriver, StoreMongo)
	v.SetDefault(KeyMongoDatabase, "pollify")
	v.SetDefault(KeyMongoTimeout, 10*time.Second)
	v.SetDefault(KeyMongoRetries, 5)
	v.SetDefault(KeyAuthProvider, AuthNone)
	v.SetDefault(KeyRequireAccount, false)
	v.SetDefault(KeyCheckAddress, false)
	v.SetDefault(KeyCORSOrigins, "*")
	v.SetDefault(KeyBroadcastPatience, time.Second)
	v.SetDefault(KeyLogLevel, "info")

	return v
}

// ReadFile loads pollify.toml when present. A missing file is not an error.
func ReadFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	return nil
}

func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		HTTPAddr: v.GetString(KeyHTTPAddr),
		Store: StoreConfig{
			Driver:         strings.ToLower(v.GetString(KeyStoreDriver)),
			MongoURI:       v.GetString(KeyMongoURI),
			Database:       v.GetString(KeyMongoDatabase),
			Timeout:        v.GetDuration(KeyMongoTimeout),
			ConnectRetries: v.GetUint64(KeyMongoRetries),
		},
		Auth: AuthConfig{
			Provider:                strings.ToLower(v.GetString(KeyAuthProvider)),
			FirebaseCredentialsFile: v.GetString(KeyFirebaseCredentialsFile),
			FirebaseCredentialsJSON: v.GetString(KeyFirebaseCredentialsJSON),
			CSHClientId:             v.GetString(KeyCSHClientId),
			CSHSecret:               v.GetString(KeyCSHSecret),
			CSHJWTSecret:            v.GetString(KeyCSHJWTSecret),
			CSHState:                v.GetString(KeyCSHState),
			CSHHost:                 v.GetString(KeyCSHHost),
		},
		Fairness: FairnessConfig{
			RequireAccount: v.GetBool(KeyRequireAccount),
			CheckAddress:   v.GetBool(KeyCheckAddress),
		},
		CORSOrigins:       stringList(v.Get(KeyCORSOrigins)),
		BroadcastPatience: v.GetDuration(KeyBroadcastPatience),
		LogLevel:          v.GetString(KeyLogLevel),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Store.Driver {
	case StoreMongo:
		if c.Store.MongoURI == "" {
			return fmt.Errorf("%s is required for the %s store", KeyMongoURI, StoreMongo)
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown %s %q", KeyStoreDriver, c.Store.Driver)
	}

	switch c.Auth.Provider {
	case AuthNone:
		if c.Fairness.RequireAccount {
			return fmt.Errorf("%s needs an auth provider", KeyRequireAccount)
		}
	case AuthFirebase:
		if c.Auth.FirebaseCredentialsFile == "" && c.Auth.FirebaseCredentialsJSON == "" {
			return fmt.Errorf("%s or %s is required for the %s provider", KeyFirebaseCredentialsFile, KeyFirebaseCredentialsJSON, AuthFirebase)
		}
	case AuthCSH:
		missing := lo.Filter([]string{KeyCSHClientId, KeyCSHSecret, KeyCSHJWTSecret, KeyCSHHost}, func(key string, _ int) bool {
			return c.cshValue(key) == ""
		})
		if len(missing) > 0 {
			return fmt.Errorf("%s provider is missing %s", AuthCSH, strings.Join(missing, ", "))
		}
	default:
		return fmt.Errorf("unknown %s %q", KeyAuthProvider, c.Auth.Provider)
	}

	if c.Store.Timeout <= 0 {
		return fmt.Errorf("%s must be positive", KeyMongoTimeout)
	}
	return nil
}

func (c Config) cshValue(key string) string {
	switch key {
	case KeyCSHClientId:
		return c.Auth.CSHClientId
	case KeyCSHSecret:
		return c.Auth.CSHSecret
	case KeyCSHJWTSecret:
		return c.Auth.CSHJWTSecret
	case KeyCSHHost:
		return c.Auth.CSHHost
	}
	return ""
}

// stringList accepts either a list or a comma separated string, which is what
// environment variables provide.
func stringList(raw interface{}) []string {
	var items []string
	switch val := raw.(type) {
	case []string:
		items = val
	case []interface{}:
		items = lo.Map(val, func(item interface{}, _ int) string { return fmt.Sprint(item) })
	case string:
		items = strings.Split(val, ",")
	}
	items = lo.Map(items, func(item string, _ int) string { return strings.TrimSpace(item) })
	return lo.Compact(items)
}
