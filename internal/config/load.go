package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"sagestar/internal/etlerr"
)

// Load reads a pipeline file (.json, .yaml or .yml). Missing sections fall
// back to Default; a file without sets uses the built-in ventes/achats
// mapping. ${VAR} references in the DSN, paths and metrics URL are expanded
// after the optional env files are loaded. An empty path returns Default with
// expansion applied.
func Load(path string, envFiles ...string) (Pipeline, error) {
	if err := loadEnv(envFiles); err != nil {
		return Pipeline{}, err
	}

	p := Pipeline{}
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Pipeline{}, etlerr.Configf("read config %s: %w", path, err)
		}
		if err := decode(path, raw, &p); err != nil {
			return Pipeline{}, etlerr.Configf("decode config %s: %w", path, err)
		}
	}

	applyDefaults(&p)
	expand(&p)
	return p, nil
}

func decode(path string, raw []byte, p *Pipeline) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		return dec.Decode(p)
	default:
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		return dec.Decode(p)
	}
}

// loadEnv loads env files without overriding variables already set. A
// missing file is ignored.
func loadEnv(files []string) error {
	for _, f := range files {
		if strings.TrimSpace(f) == "" {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return etlerr.Configf("load env file %s: %w", f, err)
		}
	}
	return nil
}

func applyDefaults(p *Pipeline) {
	def := Default()
	if p.Job == "" {
		p.Job = def.Job
	}
	if p.Runtime.ChunkSize == 0 {
		p.Runtime.ChunkSize = def.Runtime.ChunkSize
	}
	if p.Runtime.ConnectRetries == 0 {
		p.Runtime.ConnectRetries = def.Runtime.ConnectRetries
	}
	if p.Storage.Kind == "" && p.Storage.DSN == "" {
		p.Storage = def.Storage
	}
	if p.Output == (Output{}) {
		p.Output = def.Output
	}
	if p.Metrics.Backend == "" {
		p.Metrics.Backend = def.Metrics.Backend
	}
	if len(p.Sets) == 0 {
		p.Sets = def.Sets
	}
	for i := range p.Sets {
		s := &p.Sets[i]
		if s.Source.Format == "" {
			s.Source.Format = formatFromPath(s.Source.Path)
		}
		if s.Source.Encoding == "" {
			s.Source.Encoding = "utf-8"
		}
		for j := range s.Dimensions {
			d := &s.Dimensions[j]
			if d.NaturalKey.Type == "" {
				d.NaturalKey.Type = "text"
			}
			if d.Order == "" {
				d.Order = OrderSource
			}
		}
		if s.Fact.Mode == "" {
			s.Fact.Mode = ModeReplace
		}
	}
}

func formatFromPath(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		return "xlsx"
	}
	return "csv"
}

func expand(p *Pipeline) {
	p.Storage.DSN = os.ExpandEnv(p.Storage.DSN)
	p.Output.Dir = os.ExpandEnv(p.Output.Dir)
	p.Output.Workbook = os.ExpandEnv(p.Output.Workbook)
	p.Output.Report = os.ExpandEnv(p.Output.Report)
	p.Metrics.PushgatewayURL = os.ExpandEnv(p.Metrics.PushgatewayURL)
	for i := range p.Sets {
		p.Sets[i].Source.Path = os.ExpandEnv(p.Sets[i].Source.Path)
	}
}

// Dump renders the resolved pipeline as indented JSON.
func Dump(p Pipeline) ([]byte, error) {
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return b, nil
}
