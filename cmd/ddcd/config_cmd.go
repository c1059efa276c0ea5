package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	bkrepo "github.com/owenlxu/bk-repo"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage ddcd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.ddcd/" + bkrepo.DefaultConfigFileName
	if dir, err := bkrepo.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, bkrepo.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default ddcd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				dir, err := bkrepo.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, bkrepo.DefaultConfigFileName)
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}

			if stdout {
				fmt.Print(string(data))
				return nil
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Listen                  string  `yaml:"listen"`
	ListenProto             string  `yaml:"listen-proto"`
	MetricsListen           string  `yaml:"metrics-listen"`
	PprofListen             string  `yaml:"pprof-listen"`
	EnableProfilingMetrics  bool    `yaml:"enable-profiling-metrics"`
	EnableHTTPTracing       bool    `yaml:"enable-http-tracing"`
	OTLPEndpoint            string  `yaml:"otlp-endpoint"`
	Store                   string  `yaml:"store"`
	Catalog                 string  `yaml:"catalog"`
	RefInlineMax            string  `yaml:"ref-inline-max"`
	BlobMax                 string  `yaml:"blob-max"`
	VerifyCompressedContent bool    `yaml:"verify-compressed-content"`
	AccessFlushInterval     string  `yaml:"access-flush-interval"`
	ShutdownTimeout         string  `yaml:"shutdown-timeout"`
	StorageRetryMaxAttempts int     `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay   string  `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay    string  `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier  float64 `yaml:"storage-retry-multiplier"`
	AWSRegion               string  `yaml:"aws-region"`
	LogLevel                string  `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:                  bkrepo.DefaultListen,
		ListenProto:             bkrepo.DefaultListenProto,
		MetricsListen:           bkrepo.DefaultMetricsListen,
		PprofListen:             bkrepo.DefaultPprofListen,
		EnableProfilingMetrics:  false,
		EnableHTTPTracing:       false,
		OTLPEndpoint:            "",
		Store:                   bkrepo.DefaultStore,
		Catalog:                 bkrepo.DefaultCatalog,
		RefInlineMax:            humanizeBytes(bkrepo.DefaultRefInlineMaxBytes),
		BlobMax:                 humanizeBytes(bkrepo.DefaultBlobMaxBytes),
		VerifyCompressedContent: true,
		AccessFlushInterval:     bkrepo.DefaultAccessFlushInterval.String(),
		ShutdownTimeout:         bkrepo.DefaultShutdownTimeout.String(),
		StorageRetryMaxAttempts: bkrepo.DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:   bkrepo.DefaultStorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:    bkrepo.DefaultStorageRetryMaxDelay.String(),
		StorageRetryMultiplier:  bkrepo.DefaultStorageRetryMultiplier,
		AWSRegion:               "",
		LogLevel:                "info",
	}
	for _, override := range overrides {
		override(&defaults)
	}
	return yaml.Marshal(defaults)
}
