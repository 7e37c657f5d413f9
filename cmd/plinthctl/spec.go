package main

import (
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"

	mbp "go.plinth.dev/core/mainboilerplate"
	"go.plinth.dev/core/partition"
	"go.plinth.dev/core/tiled"
)

// storeSpec is the YAML description of a partition store: the files it
// holds and the sizing of the tile pool which backs them. Pool fields left
// zero take package defaults.
type storeSpec struct {
	Pool struct {
		TileSize        int64 `yaml:"tile_size"`
		PageSize        int64 `yaml:"page_size"`
		MaxBytes        int64 `yaml:"max_bytes"`
		InitialMapBytes int64 `yaml:"initial_map_bytes"`
	} `yaml:"pool"`
	Files []struct {
		Name            string `yaml:"name"`
		Transactional   bool   `yaml:"transactional"`
		InitialMapBytes int64  `yaml:"initial_map_bytes"`
	} `yaml:"files"`
	SyncDirs bool `yaml:"sync_dirs"`
}

// specConfig is common configuration of commands taking a store directory
// and its specification.
type specConfig struct {
	Spec string `long:"spec" default:"store.yaml" description:"Path of the store specification. Relative paths resolve within the store directory"`
}

// load reads and decodes the store specification for |dir|.
func (cfg specConfig) load(dir string) (partition.SetOptions, error) {
	var path = cfg.Spec
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}

	var buffer, err = ioutil.ReadFile(path)
	mbp.Must(err, "failed to read store specification", "path", path)

	var spec storeSpec
	if err = yaml.UnmarshalStrict(buffer, &spec); err != nil {
		// `yaml` produces nicely formatted error messages that are best printed as-is.
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		return partition.SetOptions{}, errors.New("YAML decode failed")
	}

	var opts = partition.SetOptions{
		Pool: tiled.Options{
			TileSize:        spec.Pool.TileSize,
			PageSize:        spec.Pool.PageSize,
			MaxBytes:        spec.Pool.MaxBytes,
			InitialMapBytes: spec.Pool.InitialMapBytes,
		},
		SyncDirs: spec.SyncDirs,
	}
	for _, f := range spec.Files {
		opts.Files = append(opts.Files, partition.FileSpec{
			Name:            f.Name,
			Transactional:   f.Transactional,
			InitialMapBytes: f.InitialMapBytes,
		})
	}
	return opts, nil
}
