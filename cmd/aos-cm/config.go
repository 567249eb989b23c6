package main

import (
	"fmt"
	"os"

	"github.com/aoscore/aos-cm/pkg/cloudtransport"
	"github.com/aoscore/aos-cm/pkg/iamclient"
	"github.com/aoscore/aos-cm/pkg/imageservice"
	"github.com/aoscore/aos-cm/pkg/monitor"
	"github.com/aoscore/aos-cm/pkg/networkmgr"
	"github.com/aoscore/aos-cm/pkg/reconciler"
	"github.com/aoscore/aos-cm/pkg/storagestate"
	"gopkg.in/yaml.v3"
)

// Config is the daemon's on-disk configuration, one section per
// subsystem the Supervisor wires up. Every field has a sane zero
// value, so an empty file still produces a runnable (if pointless)
// config.
type Config struct {
	WorkingDir string `yaml:"workingDir"`
	NodeIDPath string `yaml:"nodeIdPath"`
	CertDir    string `yaml:"certDir"`

	IAM          iamclient.Config      `yaml:"iam"`
	Cloud        cloudtransport.Config `yaml:"cloud"`
	SMChannel    SMChannelConfig       `yaml:"smChannel"`
	Images       imageservice.Config   `yaml:"images"`
	StorageState storagestate.Config   `yaml:"storageState"`
	Network      networkmgr.Config     `yaml:"network"`
	Reconciler   reconciler.Config     `yaml:"reconciler"`
	Monitor      monitor.Config        `yaml:"monitor"`
}

// SMChannelConfig binds the mTLS listener SM workers dial into.
type SMChannelConfig struct {
	ListenAddr string `yaml:"listenAddr"`
}

func (c Config) withDefaults() Config {
	if c.WorkingDir == "" {
		c.WorkingDir = "/var/lib/aos-cm"
	}
	if c.NodeIDPath == "" {
		c.NodeIDPath = c.WorkingDir + "/id"
	}
	if c.CertDir == "" {
		c.CertDir = c.WorkingDir + "/certs"
	}
	if c.SMChannel.ListenAddr == "" {
		c.SMChannel.ListenAddr = ":8443"
	}
	if c.Images.ImagesDir == "" {
		c.Images.ImagesDir = c.WorkingDir + "/images"
	}
	if c.Images.DownloadsDir == "" {
		c.Images.DownloadsDir = c.WorkingDir + "/downloads"
	}
	if c.StorageState.StorageRoot == "" {
		c.StorageState.StorageRoot = c.WorkingDir + "/storage"
	}
	if c.StorageState.StateRoot == "" {
		c.StorageState.StateRoot = c.WorkingDir + "/state"
	}
	return c
}

// loadConfig reads and unmarshals a YAML config file, applying
// defaults for any field the file left unset.
func loadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg.withDefaults(), nil
}
