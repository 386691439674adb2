package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	submitService = "submit-service"
	cliService    = "judgectl"
)

// Profile describes one environment: a base config per service, overrides, and the
// settings the submit service and judgectl must agree on.
type Profile struct {
	OutputDir string                    `yaml:"outputDir"`
	Auth      AuthProfile               `yaml:"auth"`
	Kafka     KafkaProfile              `yaml:"kafka"`
	Services  map[string]ServiceProfile `yaml:"services"`
}

type AuthProfile struct {
	JWTSecret string `yaml:"jwtSecret"`
	JWTIssuer string `yaml:"jwtIssuer"`
}

type KafkaProfile struct {
	Brokers      []string `yaml:"brokers"`
	ResultsTopic string   `yaml:"resultsTopic"`
}

type ServiceProfile struct {
	Base      string         `yaml:"base"`
	Output    string         `yaml:"output"`
	Overrides map[string]any `yaml:"overrides"`
}

// cliLinks maps submit-service keys to the judgectl keys that must carry the same value.
// judgectl mints tokens the service accepts and publishes to the topic the coordinator consumes.
var cliLinks = []struct {
	service string
	cli     string
}{
	{"auth.jwtSecret", "auth.jwtSecret"},
	{"auth.jwtIssuer", "auth.jwtIssuer"},
	{"kafka.brokers", "kafka.brokers"},
	{"topics.judgeResults", "resultsTopic"},
}

func main() {
	profilePath := flag.String("profile", "configs/dev-profile.yaml", "Path to config profile")
	outputDir := flag.String("output-dir", "", "Override output directory")
	flag.Parse()

	written, err := generate(*profilePath, *outputDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	for _, path := range written {
		fmt.Println(path)
	}
}

// generate renders every service in the profile and returns the written paths.
func generate(profilePath, outputDir string) ([]string, error) {
	profilePath, err := filepath.Abs(profilePath)
	if err != nil {
		return nil, fmt.Errorf("resolve profile path failed: %w", err)
	}
	profile, err := loadProfile(profilePath)
	if err != nil {
		return nil, err
	}
	if outputDir != "" {
		profile.OutputDir = outputDir
	}
	if profile.OutputDir == "" {
		return nil, errors.New("output directory is required")
	}
	baseDir := filepath.Dir(profilePath)
	profile.OutputDir = resolve(baseDir, profile.OutputDir)

	rendered := make(map[string]map[string]any, len(profile.Services))
	for name, svc := range profile.Services {
		cfg, err := render(baseDir, svc)
		if err != nil {
			return nil, fmt.Errorf("render %q failed: %w", name, err)
		}
		rendered[name] = cfg
	}

	shared := profile.sharedValues()
	if svc, ok := rendered[submitService]; ok {
		for key, value := range shared {
			setPath(svc, key, value)
		}
	}
	if cli, ok := rendered[cliService]; ok {
		if err := linkCLI(rendered[submitService], cli, shared); err != nil {
			return nil, err
		}
	}

	names := make([]string, 0, len(rendered))
	for name := range rendered {
		names = append(names, name)
	}
	sort.Strings(names)

	written := make([]string, 0, len(names))
	for _, name := range names {
		svc := profile.Services[name]
		output := svc.Output
		if output == "" {
			output = filepath.Base(svc.Base)
		}
		path := resolve(profile.OutputDir, output)
		if err := writeYAML(path, rendered[name]); err != nil {
			return written, fmt.Errorf("write config for %q failed: %w", name, err)
		}
		written = append(written, path)
	}
	return written, nil
}

// sharedValues returns profile settings keyed by their submit-service path.
func (p *Profile) sharedValues() map[string]any {
	values := make(map[string]any)
	if p.Auth.JWTSecret != "" {
		values["auth.jwtSecret"] = p.Auth.JWTSecret
	}
	if p.Auth.JWTIssuer != "" {
		values["auth.jwtIssuer"] = p.Auth.JWTIssuer
	}
	if len(p.Kafka.Brokers) > 0 {
		brokers := make([]any, 0, len(p.Kafka.Brokers))
		for _, b := range p.Kafka.Brokers {
			brokers = append(brokers, b)
		}
		values["kafka.brokers"] = brokers
	}
	if p.Kafka.ResultsTopic != "" {
		values["topics.judgeResults"] = p.Kafka.ResultsTopic
	}
	return values
}

// linkCLI points judgectl at the submit service. Without a submit-service entry the
// profile's shared values are applied to judgectl directly.
func linkCLI(service, cli map[string]any, shared map[string]any) error {
	if service == nil {
		for _, link := range cliLinks {
			if value, ok := shared[link.service]; ok {
				setPath(cli, link.cli, value)
			}
		}
		return nil
	}
	for _, link := range cliLinks {
		if value, ok := getPath(service, link.service); ok {
			setPath(cli, link.cli, value)
		}
	}
	if addr, ok := getPath(service, "server.addr"); ok {
		baseURL, err := loopbackURL(fmt.Sprint(addr))
		if err != nil {
			return fmt.Errorf("derive judgectl baseURL failed: %w", err)
		}
		setPath(cli, "baseURL", baseURL)
	}
	return nil
}

// loopbackURL turns a listen address into a URL reachable from the same host.
func loopbackURL(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port), nil
}

func loadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile failed: %w", err)
	}
	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile failed: %w", err)
	}
	if len(profile.Services) == 0 {
		return nil, errors.New("profile has no services")
	}
	return &profile, nil
}

func render(baseDir string, svc ServiceProfile) (map[string]any, error) {
	if svc.Base == "" {
		return nil, errors.New("missing base config")
	}
	data, err := os.ReadFile(resolve(baseDir, svc.Base))
	if err != nil {
		return nil, fmt.Errorf("read base config failed: %w", err)
	}
	cfg := map[string]any{}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse base config failed: %w", err)
	}
	merge(cfg, svc.Overrides)
	return cfg, nil
}

func writeYAML(path string, value any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir failed: %w", err)
	}
	data, err := yaml.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal yaml failed: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func resolve(dir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// merge overlays src onto dst; nested maps merge, everything else replaces.
func merge(dst, src map[string]any) {
	for key, value := range src {
		child, isMap := value.(map[string]any)
		existing, existingIsMap := dst[key].(map[string]any)
		if isMap && existingIsMap {
			merge(existing, child)
			continue
		}
		dst[key] = value
	}
}

func getPath(root map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	node := root
	for _, part := range parts[:len(parts)-1] {
		next, ok := node[part].(map[string]any)
		if !ok {
			return nil, false
		}
		node = next
	}
	value, ok := node[parts[len(parts)-1]]
	return value, ok
}

func setPath(root map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	node := root
	for _, part := range parts[:len(parts)-1] {
		next, ok := node[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			node[part] = next
		}
		node = next
	}
	node[parts[len(parts)-1]] = value
}
