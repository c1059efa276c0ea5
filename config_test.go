package bkrepo

import (
	"strings"
	"testing"
	"time"
)

func TestValidateAppliesDefaults(t *testing.T) {
	t.Parallel()

	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate empty config: %v", err)
	}
	if cfg.Listen != DefaultListen {
		t.Fatalf("listen = %q, want %q", cfg.Listen, DefaultListen)
	}
	if cfg.Store != DefaultStore || cfg.Catalog != DefaultCatalog {
		t.Fatalf("store/catalog = %q/%q", cfg.Store, cfg.Catalog)
	}
	if cfg.RefInlineMaxBytes != DefaultRefInlineMaxBytes {
		t.Fatalf("inline max = %d", cfg.RefInlineMaxBytes)
	}
	if cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Fatalf("shutdown timeout = %v", cfg.ShutdownTimeout)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	cases := map[string]Config{
		"bad proto":        {ListenProto: "udp"},
		"negative inline":  {RefInlineMaxBytes: -1},
		"negative blobmax": {BlobMaxBytes: -1},
		"inline over blob": {RefInlineMaxBytes: 1 << 30, BlobMaxBytes: 1 << 20},
	}
	for name, cfg := range cases {
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestBuildGenericS3Config(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Store = "s3://minio.local:9000/ddc-bucket/cache/prefix?insecure=true&path-style=true"
	cfg.S3AccessKeyID = "access"
	cfg.S3SecretAccessKey = "secret"

	s3cfg, summary, err := BuildGenericS3Config(cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if s3cfg.Endpoint != "minio.local:9000" {
		t.Fatalf("endpoint = %q", s3cfg.Endpoint)
	}
	if s3cfg.Bucket != "ddc-bucket" || s3cfg.Prefix != "cache/prefix" {
		t.Fatalf("bucket/prefix = %q/%q", s3cfg.Bucket, s3cfg.Prefix)
	}
	if !s3cfg.Insecure || !s3cfg.ForcePathStyle {
		t.Fatalf("insecure=%v path-style=%v", s3cfg.Insecure, s3cfg.ForcePathStyle)
	}
	if summary.AccessKey != "access" || !summary.HasSecret {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestBuildGenericS3ConfigMissingBucket(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Store = "s3://minio.local:9000"
	if _, _, err := BuildGenericS3Config(cfg); err == nil || !strings.Contains(err.Error(), "bucket") {
		t.Fatalf("expected missing-bucket error, got %v", err)
	}
}

func TestBuildAWSConfigRequiresRegion(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Store = "aws://some-bucket/prefix"
	if _, _, err := BuildAWSConfig(cfg); err == nil || !strings.Contains(err.Error(), "region") {
		t.Fatalf("expected region error, got %v", err)
	}

	cfg.Store = "aws://some-bucket/prefix?region=eu-north-1"
	awscfg, _, err := BuildAWSConfig(cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if awscfg.Region != "eu-north-1" || awscfg.Endpoint != "s3.eu-north-1.amazonaws.com" {
		t.Fatalf("region/endpoint = %q/%q", awscfg.Region, awscfg.Endpoint)
	}
}

func TestDiskRootParsing(t *testing.T) {
	t.Parallel()

	root, err := diskRoot("disk:///var/lib/ddcd")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if root != "/var/lib/ddcd" {
		t.Fatalf("root = %q", root)
	}
	if _, err := diskRoot("disk://"); err == nil {
		t.Fatal("expected error for empty disk path")
	}
}

func TestResolveOTLPTarget(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in       string
		protocol string
		endpoint string
		insecure bool
	}{
		{"collector", "grpc", "collector:4317", true},
		{"collector:4000", "grpc", "collector:4000", true},
		{"grpc://collector", "grpc", "collector:4317", true},
		{"grpcs://collector:4317", "grpc", "collector:4317", false},
		{"http://collector", "http", "collector:4318", true},
		{"https://collector", "http", "collector:4318", false},
	}
	for _, tc := range cases {
		target, err := resolveOTLPTarget(tc.in)
		if err != nil {
			t.Errorf("%s: %v", tc.in, err)
			continue
		}
		if target.protocol != tc.protocol || target.endpoint != tc.endpoint || target.insecure != tc.insecure {
			t.Errorf("%s: got %+v", tc.in, target)
		}
	}
	if _, err := resolveOTLPTarget("ftp://collector"); err == nil {
		t.Error("expected error for unknown scheme")
	}
}

func TestAccessFlushIntervalDefault(t *testing.T) {
	t.Parallel()

	cfg := Config{AccessFlushInterval: -1 * time.Second}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative flush interval")
	}
	cfg = Config{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.AccessFlushInterval != DefaultAccessFlushInterval {
		t.Fatalf("flush interval = %v", cfg.AccessFlushInterval)
	}
}
