package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var (
	validStoreTypes = []string{"filesystem", "bolt", "badger", "s3", "memory"}
	validAuditTypes = []string{"file", "syslog"}
	validCiphers    = []string{"aes-gcm", "chacha20-poly1305"}
	validKDFs       = []string{"pbkdf2", "argon2id"}
	validCodecs     = []string{"gzip", "zstd"}
)

// configKeys describes every supported configuration key
var configKeys = map[string]string{
	"store.type":                   "Storage backend (filesystem, bolt, badger, s3, memory)",
	"store.path":                   "Base path of the file based stores",
	"store.tenant":                 "Tenant identifier",
	"store.s3.endpoint":            "S3 endpoint",
	"store.s3.bucket":              "S3 bucket name",
	"store.s3.region":              "S3 region",
	"store.s3.prefix":              "S3 key prefix",
	"store.s3.use_ssl":             "Use SSL for S3 connections",
	"store.s3.access_key_id":       "S3 access key ID",
	"store.s3.secret_access_key":   "S3 secret access key",
	"engine.app_id":                "Application id mixed into the key fingerprint",
	"engine.kdf":                   "Key derivation function (pbkdf2, argon2id)",
	"engine.iterations":            "PBKDF2 iterations (min 1000)",
	"engine.cipher":                "Cipher suite (aes-gcm, chacha20-poly1305)",
	"engine.codec":                 "Compression codec (gzip, zstd)",
	"engine.compression":           "Compress values above the threshold",
	"engine.compression_threshold": "Minimum value size in bytes before compressing",
	"engine.strict_integrity":      "Hide values whose checksum does not match",
	"engine.memory_lock":           "Lock process memory to prevent swapping",
	"audit.enabled":                "Enable audit logging",
	"audit.type":                   "Audit logger type (file, syslog)",
	"audit.options.file_path":      "Audit log file path",
	"audit.options.max_size":       "Audit log size in MB before rotation",
	"audit.options.max_backups":    "Rotated audit logs to keep",
	"log.level":                    "Diagnostic log level (trace, debug, info, warn, error)",
}

func getConfigFilePath(global bool) string {
	if global {
		return "/etc/sealbox/config.yaml"
	}
	if cfgFile != "" {
		return cfgFile
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".sealbox.yaml")
}

func ensureConfigDir(configFile string) error {
	return os.MkdirAll(filepath.Dir(configFile), 0700)
}

func isValidConfigKey(key string) bool {
	_, ok := configKeys[key]
	return ok
}

// convertStringValue turns a command line value into a bool, number or string
func convertStringValue(value string) interface{} {
	if value == "true" || value == "false" {
		return value == "true"
	}
	if strings.Contains(value, ".") {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	} else if i, err := strconv.Atoi(value); err == nil {
		return i
	}
	return value
}

func getConfigTemplate(template string) map[string]interface{} {
	store := map[string]interface{}{
		"type":   "filesystem",
		"path":   ".sealbox",
		"tenant": "default",
	}

	switch template {
	case "minimal":
		return map[string]interface{}{"store": store}
	case "full":
		store["s3"] = map[string]interface{}{
			"endpoint": "localhost:9000",
			"bucket":   "",
			"region":   "us-east-1",
			"prefix":   "sealbox/",
			"use_ssl":  true,
		}
		return map[string]interface{}{
			"store": store,
			"engine": map[string]interface{}{
				"app_id":                "sealbox",
				"kdf":                   "pbkdf2",
				"iterations":            100000,
				"cipher":                "aes-gcm",
				"codec":                 "gzip",
				"compression":           true,
				"compression_threshold": 1024,
				"strict_integrity":      false,
				"memory_lock":           false,
			},
			"audit": map[string]interface{}{
				"enabled": false,
				"type":    "file",
				"options": map[string]interface{}{
					"file_path":   "audit.log",
					"max_size":    100,
					"max_backups": 5,
				},
			},
			"log": map[string]interface{}{"level": "warn"},
		}
	default:
		return map[string]interface{}{
			"store": store,
			"audit": map[string]interface{}{
				"enabled": false,
				"type":    "file",
				"options": map[string]interface{}{"file_path": "audit.log"},
			},
		}
	}
}

func validateConfiguration() []string {
	var problems []string

	storeType := viper.GetString("store.type")
	if !contains(validStoreTypes, storeType) && storeType != "file" {
		problems = append(problems, fmt.Sprintf("invalid store type: %s (must be one of: %s)",
			storeType, strings.Join(validStoreTypes, ", ")))
	}
	if storeType == "s3" {
		if viper.GetString("store.s3.bucket") == "" {
			problems = append(problems, "S3 bucket is required when using S3 store")
		}
		if viper.GetString("store.s3.endpoint") == "" {
			problems = append(problems, "S3 endpoint is required when using S3 store")
		}
	}

	if c := viper.GetString("engine.cipher"); !contains(validCiphers, c) {
		problems = append(problems, fmt.Sprintf("invalid cipher: %s (must be one of: %s)", c, strings.Join(validCiphers, ", ")))
	}
	if k := viper.GetString("engine.kdf"); !contains(validKDFs, k) {
		problems = append(problems, fmt.Sprintf("invalid kdf: %s (must be one of: %s)", k, strings.Join(validKDFs, ", ")))
	}
	if c := viper.GetString("engine.codec"); !contains(validCodecs, c) {
		problems = append(problems, fmt.Sprintf("invalid codec: %s (must be one of: %s)", c, strings.Join(validCodecs, ", ")))
	}
	if n := viper.GetInt("engine.iterations"); n < 1000 {
		problems = append(problems, fmt.Sprintf("engine.iterations must be at least 1000, got %d", n))
	}

	if viper.GetBool("audit.enabled") {
		auditType := viper.GetString("audit.type")
		if !contains(validAuditTypes, auditType) {
			problems = append(problems, fmt.Sprintf("invalid audit type: %s (must be one of: %s)",
				auditType, strings.Join(validAuditTypes, ", ")))
		}
		if auditType == "file" && viper.GetString("audit.options.file_path") == "" {
			problems = append(problems, "audit file path is required when using file audit")
		}
	}
	return problems
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func printConfigTable(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tVALUE\tSOURCE")
	fmt.Fprintln(tw, "---\t-----\t------")

	var keys []string
	flattenKeys(viper.AllSettings(), "", &keys)
	sort.Strings(keys)

	for _, key := range keys {
		value := viper.Get(key)
		source := "default"
		if viper.ConfigFileUsed() != "" && viper.InConfig(key) {
			source = filepath.Base(viper.ConfigFileUsed())
		}
		if os.Getenv("SEALBOX_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_"))) != "" {
			source = "environment"
		}
		if isSensitiveConfigKey(key) {
			value = "[REDACTED]"
		}
		fmt.Fprintf(tw, "%s\t%v\t%s\n", key, value, source)
	}
	return tw.Flush()
}

func printConfigJSON(w io.Writer) error {
	config := viper.AllSettings()
	maskSensitiveValues(config)

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printConfigYAML(w io.Writer) error {
	config := viper.AllSettings()
	maskSensitiveValues(config)

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}
	_, err = fmt.Fprint(w, string(data))
	return err
}

// flattenKeys recursively flattens nested maps into dot-notation keys
func flattenKeys(m map[string]interface{}, prefix string, keys *[]string) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			flattenKeys(nested, key, keys)
		} else {
			*keys = append(*keys, key)
		}
	}
}

func isSensitiveConfigKey(key string) bool {
	lowerKey := strings.ToLower(key)
	for _, sensitive := range []string{"passphrase", "password", "secret", "access_key", "token"} {
		if strings.Contains(lowerKey, sensitive) {
			return true
		}
	}
	return false
}

func maskSensitiveValues(config map[string]interface{}) {
	for key, value := range config {
		if isSensitiveConfigKey(key) {
			config[key] = "[REDACTED]"
		} else if nested, ok := value.(map[string]interface{}); ok {
			maskSensitiveValues(nested)
		}
	}
}

// startSpinner shows a spinner unless running verbose. The returned
// cleanup stops it and prints FinalMSG on its own line.
func startSpinner(message string) (*spinner.Spinner, func()) {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " " + message
	_ = s.Color("cyan")

	if !verbose {
		s.Start()
		log.SetOutput(io.Discard)
	}

	cleanup := func() {
		if !verbose {
			log.SetOutput(os.Stderr)
		}
		finalMsg := s.FinalMSG
		s.FinalMSG = ""
		if !verbose {
			s.Stop()
		}
		if finalMsg != "" {
			if !strings.HasSuffix(finalMsg, "\n") {
				finalMsg += "\n"
			}
			fmt.Print(finalMsg)
		}
	}
	return s, cleanup
}

func success(format string, args ...interface{}) string {
	return color.GreenString("✓") + " " + fmt.Sprintf(format, args...)
}

func failure(format string, args ...interface{}) string {
	return color.RedString("✗") + " " + fmt.Sprintf(format, args...)
}

func hint(format string, args ...interface{}) string {
	return color.CyanString("→") + " " + fmt.Sprintf(format, args...)
}

// promptConfirmation asks a yes/no question on stdin
func promptConfirmation(in io.Reader, message string) bool {
	fmt.Printf("%s (y/N): ", message)
	var response string
	_, _ = fmt.Fscanln(in, &response)
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes"
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// failureLines renders a failure map in a stable order
func failureLines(failures map[string]error) []string {
	lines := make([]string, 0, len(failures))
	for key, err := range failures {
		lines = append(lines, fmt.Sprintf("%s: %v", key, err))
	}
	sort.Strings(lines)
	return lines
}
