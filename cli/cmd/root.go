package cmd

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"southwinds.dev/sealbox"
	"southwinds.dev/sealbox/audit"
	"southwinds.dev/sealbox/compress"
	"southwinds.dev/sealbox/persist"
)

var (
	cfgFile     string
	storePath   string
	tenantID    string
	verbose     bool
	storage     *sealbox.Storage
	store       persist.Store
	auditLogger audit.Logger
	cliContext  *CLIContext
)

type CLIContext struct {
	UserID    string
	SessionID string
	Source    string // hostname
	StartTime time.Time
}

var rootCmd = &cobra.Command{
	Use:   "sealbox",
	Short: "Encrypted key-value storage",
	Long: `sealbox stores string values encrypted at rest on top of a pluggable backend
(filesystem, bolt, badger, S3 or memory). Key names are obfuscated, values are
sealed with AES-GCM or ChaCha20-Poly1305 under a key derived from the host
fingerprint, and plaintext entries are migrated as they are read.`,
	SilenceUsage:       true,
	PersistentPreRunE:  initializeStorage,
	PersistentPostRunE: closeStorage,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", formatError(err))
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.sealbox.yaml)")
	rootCmd.PersistentFlags().StringVarP(&storePath, "path", "p", "", "base path of the file based stores")
	rootCmd.PersistentFlags().StringVarP(&tenantID, "tenant", "t", "", "tenant identifier")
	rootCmd.PersistentFlags().String("store-type", "", "storage backend (filesystem, bolt, badger, s3, memory)")
	rootCmd.PersistentFlags().String("app-id", "", "application id mixed into the key fingerprint")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output, disables spinners")

	bindFlagOrPanic("store.path", "path")
	bindFlagOrPanic("store.tenant", "tenant")
	bindFlagOrPanic("store.type", "store-type")
	bindFlagOrPanic("engine.app_id", "app-id")

	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, syslog)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")

	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint")
	rootCmd.PersistentFlags().String("s3-region", "", "S3 region")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-prefix", "", "S3 key prefix")
	rootCmd.PersistentFlags().String("s3-access-key", "", "S3 access key ID")
	rootCmd.PersistentFlags().String("s3-secret-key", "", "S3 secret access key")
	rootCmd.PersistentFlags().Bool("s3-use-ssl", true, "use SSL for S3 connections")

	bindFlagOrPanic("store.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("store.s3.region", "s3-region")
	bindFlagOrPanic("store.s3.bucket", "s3-bucket")
	bindFlagOrPanic("store.s3.prefix", "s3-prefix")
	bindFlagOrPanic("store.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("store.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("store.s3.use_ssl", "s3-use-ssl")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/sealbox")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".sealbox")
	}

	viper.SetEnvPrefix("SEALBOX")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
	} else if os.Getenv("DEBUG") == "true" {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

func setDefaults() {
	viper.SetDefault("store.type", string(persist.StoreTypeFileSystem))
	viper.SetDefault("store.path", ".sealbox")
	viper.SetDefault("store.tenant", "default")

	viper.SetDefault("store.s3.region", "us-east-1")
	viper.SetDefault("store.s3.prefix", "sealbox/")
	viper.SetDefault("store.s3.use_ssl", true)

	viper.SetDefault("engine.app_id", "sealbox")
	viper.SetDefault("engine.kdf", string(sealbox.KDFPBKDF2))
	viper.SetDefault("engine.iterations", 100000)
	viper.SetDefault("engine.cipher", string(sealbox.CipherAESGCM))
	viper.SetDefault("engine.codec", compress.Gzip)
	viper.SetDefault("engine.compression", true)
	viper.SetDefault("engine.compression_threshold", 1024)
	viper.SetDefault("engine.strict_integrity", false)
	viper.SetDefault("engine.memory_lock", false)

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.options.max_size", 100)
	viper.SetDefault("audit.options.max_backups", 5)
	viper.SetDefault("audit.options.file_path", "audit.log")

	viper.SetDefault("log.level", "warn")
}

// skipsStorage reports whether a command runs without opening the store
func skipsStorage(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "help", "completion", "__complete", "config":
			return true
		}
	}
	return false
}

func initializeStorage(cmd *cobra.Command, args []string) error {
	if skipsStorage(cmd) {
		return nil
	}

	storePath = viper.GetString("store.path")
	tenantID = viper.GetString("store.tenant")

	if viper.GetString("audit.options.file_path") == "audit.log" {
		viper.Set("audit.options.file_path", filepath.Join(storePath, tenantID+"-audit.log"))
	}

	cliContext = &CLIContext{
		UserID:    getCurrentUser(),
		SessionID: generateSessionID(),
		Source:    getHostname(),
		StartTime: time.Now(),
	}

	var err error
	auditLogger, err = createAuditLogger()
	if err != nil {
		return fmt.Errorf("failed to create audit logger: %w", err)
	}

	config, err := storeConfig()
	if err != nil {
		return err
	}
	if store, err = persist.NewStore(config, tenantID); err != nil {
		return fmt.Errorf("failed to open %s store: %w", config.Type, err)
	}

	opts, err := engineOptions()
	if err != nil {
		return err
	}
	if storage, err = sealbox.New(opts, store, auditLogger); err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to initialize storage for tenant %s: %w", tenantID, err)
	}
	return nil
}

func closeStorage(cmd *cobra.Command, args []string) error {
	var errs []error
	if storage != nil {
		errs = append(errs, storage.Close())
		storage = nil
	}
	if store != nil {
		errs = append(errs, store.Close())
		store = nil
	}
	return errors.Join(errs...)
}

func createAuditLogger() (audit.Logger, error) {
	return audit.NewLogger(&audit.Config{
		Enabled:  viper.GetBool("audit.enabled"),
		TenantID: viper.GetString("store.tenant"),
		Type:     audit.ConfigType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path":   viper.GetString("audit.options.file_path"),
			"max_size":    viper.GetInt("audit.options.max_size"),
			"max_backups": viper.GetInt("audit.options.max_backups"),
		},
	})
}

// storeConfig builds the backend configuration from viper
func storeConfig() (persist.StoreConfig, error) {
	storeType := persist.StoreType(strings.ToLower(viper.GetString("store.type")))
	// "file" is accepted for configs written for older releases
	if storeType == "file" {
		storeType = persist.StoreTypeFileSystem
	}

	switch storeType {
	case persist.StoreTypeMemory:
		return persist.StoreConfig{Type: storeType}, nil

	case persist.StoreTypeFileSystem, persist.StoreTypeBolt, persist.StoreTypeBadger:
		path := viper.GetString("store.path")
		if err := os.MkdirAll(path, 0700); err != nil {
			return persist.StoreConfig{}, fmt.Errorf("failed to create store directory: %w", err)
		}
		return persist.StoreConfig{
			Type:   storeType,
			Config: map[string]interface{}{"base_path": path},
		}, nil

	case persist.StoreTypeS3:
		s3Config := persist.S3Config{
			Endpoint:        viper.GetString("store.s3.endpoint"),
			AccessKeyID:     viper.GetString("store.s3.access_key_id"),
			SecretAccessKey: viper.GetString("store.s3.secret_access_key"),
			Bucket:          viper.GetString("store.s3.bucket"),
			KeyPrefix:       viper.GetString("store.s3.prefix"),
			UseSSL:          viper.GetBool("store.s3.use_ssl"),
			Region:          viper.GetString("store.s3.region"),
		}
		if err := validateS3Config(s3Config); err != nil {
			return persist.StoreConfig{}, fmt.Errorf("invalid S3 configuration: %w", err)
		}
		return persist.StoreConfig{
			Type: storeType,
			Config: map[string]interface{}{
				"endpoint":          s3Config.Endpoint,
				"access_key_id":     s3Config.AccessKeyID,
				"secret_access_key": s3Config.SecretAccessKey,
				"bucket":            s3Config.Bucket,
				"key_prefix":        s3Config.KeyPrefix,
				"use_ssl":           s3Config.UseSSL,
				"region":            s3Config.Region,
			},
		}, nil

	default:
		return persist.StoreConfig{}, fmt.Errorf("unsupported store type: %s. Supported types: %s",
			storeType, strings.Join(validStoreTypes, ", "))
	}
}

// engineOptions maps the engine.* settings onto sealbox.Options
func engineOptions() (sealbox.Options, error) {
	codec, err := compress.New(viper.GetString("engine.codec"))
	if err != nil {
		return sealbox.Options{}, err
	}

	level := hclog.LevelFromString(viper.GetString("log.level"))
	if verbose {
		level = hclog.Debug
	}
	if level == hclog.NoLevel {
		level = hclog.Warn
	}

	opts := sealbox.Options{
		AppID:                viper.GetString("engine.app_id"),
		TenantID:             viper.GetString("store.tenant"),
		KDF:                  sealbox.KDF(viper.GetString("engine.kdf")),
		Iterations:           viper.GetInt("engine.iterations"),
		Cipher:               sealbox.Cipher(viper.GetString("engine.cipher")),
		DisableCompression:   !viper.GetBool("engine.compression"),
		CompressionThreshold: viper.GetInt("engine.compression_threshold"),
		Codec:                codec,
		StrictIntegrity:      viper.GetBool("engine.strict_integrity"),
		EnableMemoryLock:     viper.GetBool("engine.memory_lock"),
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:   "sealbox",
			Level:  level,
			Output: os.Stderr,
		}),
	}
	if err = opts.Validate(); err != nil {
		return sealbox.Options{}, fmt.Errorf("invalid engine configuration: %w", err)
	}
	return opts, nil
}

func validateS3Config(config persist.S3Config) error {
	var missing []string

	if config.Bucket == "" {
		missing = append(missing, "store.s3.bucket")
	}
	if config.Endpoint == "" {
		missing = append(missing, "store.s3.endpoint")
	}

	hasAccessKey := config.AccessKeyID != ""
	hasSecretKey := config.SecretAccessKey != ""
	if hasAccessKey && !hasSecretKey {
		missing = append(missing, "store.s3.secret_access_key")
	}
	if !hasAccessKey && hasSecretKey {
		missing = append(missing, "store.s3.access_key_id")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// getStoreConfigSummary describes the configured backend without secrets
func getStoreConfigSummary(storeType string) string {
	switch strings.ToLower(storeType) {
	case "filesystem", "file", "bolt", "badger":
		return fmt.Sprintf("%s store: path=%s", storeType, viper.GetString("store.path"))
	case "s3":
		return fmt.Sprintf("S3 store: bucket=%s, region=%s, prefix=%s",
			viper.GetString("store.s3.bucket"),
			viper.GetString("store.s3.region"),
			viper.GetString("store.s3.prefix"))
	case "memory":
		return "memory store (not persisted)"
	default:
		return fmt.Sprintf("Unknown store type: %s", storeType)
	}
}

func isSensitiveFlag(name string) bool {
	sensitive := []string{"passphrase", "password", "secret", "access-key", "token"}
	lower := strings.ToLower(name)
	for _, s := range sensitive {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// getCurrentUser returns the login name, or "unknown_user"
func getCurrentUser() string {
	currentUser, err := user.Current()
	if err != nil {
		log.Printf("Warning: could not get current user: %v. Falling back to 'unknown_user'.", err)
		if envUser := os.Getenv("USER"); envUser != "" {
			return envUser
		}
		return "unknown_user"
	}
	return currentUser.Username
}

func generateSessionID() string {
	return uuid.New().String()
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		log.Printf("Warning: could not get hostname: %v. Falling back to 'unknown_host'.", err)
		return "unknown_host"
	}
	return hostname
}

func auditCmdStart(cmd *cobra.Command, args []string) time.Time {
	now := time.Now()
	if auditLogger == nil || cliContext == nil {
		return now
	}
	err := auditLogger.Log("COMMAND_START", true, map[string]interface{}{
		"command":    cmd.CommandPath(),
		"args":       sanitizeArgs(cmd, args),
		"flags":      sanitizeFlags(cmd),
		"user_id":    cliContext.UserID,
		"session_id": cliContext.SessionID,
		"source":     cliContext.Source,
	})
	if err != nil {
		log.Printf("ERROR: %v\n", err)
	}
	return now
}

func auditCmdComplete(cmd *cobra.Command, err error, startedTime time.Time) error {
	if auditLogger != nil && cliContext != nil {
		_ = auditLogger.Log("COMMAND_COMPLETE", err == nil, map[string]interface{}{
			"command":     cmd.CommandPath(),
			"duration_ms": time.Since(startedTime).Milliseconds(),
			"error":       formatError(err),
			"user_id":     cliContext.UserID,
			"session_id":  cliContext.SessionID,
		})
	}
	return err
}

// formatError flattens a wrapped error chain into one line
func formatError(err error) string {
	if err == nil {
		return ""
	}

	var messages []string
	for err != nil {
		messages = append(messages, err.Error())
		err = errors.Unwrap(err)
	}

	if len(messages) > 1 {
		uniqueMessages := make([]string, 0, len(messages))
		seen := make(map[string]bool)
		for _, msg := range messages {
			if !seen[msg] {
				uniqueMessages = append(uniqueMessages, msg)
				seen[msg] = true
			}
		}
		if len(uniqueMessages) > 1 {
			return fmt.Sprintf("Error: %s (caused by: %s)",
				uniqueMessages[0],
				strings.Join(uniqueMessages[1:], " -> "))
		}
	}

	message := messages[0]
	if len(message) > 0 {
		first := string(message[0])
		if first != strings.ToUpper(first) {
			message = strings.ToUpper(first) + message[1:]
		}
	}
	return fmt.Sprintf("Error: %s", message)
}

func sanitizeFlags(cmd *cobra.Command) map[string]interface{} {
	flags := make(map[string]interface{})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if !flag.Changed {
			return
		}
		if isSensitiveFlag(flag.Name) {
			flags[flag.Name] = "[REDACTED]"
		} else {
			flags[flag.Name] = flag.Value.String()
		}
	})
	return flags
}

// sanitizeArgs masks positional values of commands annotated as taking a
// secret value
func sanitizeArgs(cmd *cobra.Command, args []string) []string {
	position := -1
	if p, ok := cmd.Annotations[secretArgAnnotation]; ok {
		fmt.Sscanf(p, "%d", &position)
	}

	sanitized := make([]string, len(args))
	for i, arg := range args {
		if i == position {
			sanitized[i] = "[REDACTED]"
		} else {
			sanitized[i] = arg
		}
	}
	return sanitized
}

// secretArgAnnotation marks the index of an argument that holds a value
const secretArgAnnotation = "sealbox/secret-arg"
