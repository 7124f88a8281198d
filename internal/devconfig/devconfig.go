// Package devconfig writes the device-metadata file the upstream driver
// loads to treat the Manufacturer Proprietary class as supported on the
// relay's own devices.
//
// The file is written once. An existing file is left untouched so that
// hand edits survive restarts.
package devconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/nerrad567/zwave-relay/internal/zwave"
)

// ErrInvalidConfig is returned when required metadata is missing.
var ErrInvalidConfig = errors.New("devconfig: invalid config")

// Product is one product type/id pair covered by the file.
type Product struct {
	ProductType int
	ProductID   int
}

// Config describes the device family.
type Config struct {
	Path           string
	Manufacturer   string
	ManufacturerID int
	Label          string
	Description    string
	Devices        []Product
	FirmwareMin    string
	FirmwareMax    string
}

// Validate checks the fields the driver requires.
func (c Config) Validate() error {
	switch {
	case c.Path == "":
		return fmt.Errorf("%w: path is required", ErrInvalidConfig)
	case c.Label == "":
		return fmt.Errorf("%w: label is required", ErrInvalidConfig)
	case c.ManufacturerID < 0 || c.ManufacturerID > 0xFFFF:
		return fmt.Errorf("%w: manufacturer id %d out of range", ErrInvalidConfig, c.ManufacturerID)
	case len(c.Devices) == 0:
		return fmt.Errorf("%w: at least one device is required", ErrInvalidConfig)
	}
	return nil
}

// File is the on-disk JSON shape.
type File struct {
	Manufacturer    string          `json:"manufacturer"`
	ManufacturerID  string          `json:"manufacturerId"`
	Label           string          `json:"label"`
	Description     string          `json:"description"`
	Devices         []FileDevice    `json:"devices"`
	FirmwareVersion FirmwareVersion `json:"firmwareVersion"`
	Compat          Compat          `json:"compat"`
}

// FileDevice identifies one product with hex strings.
type FileDevice struct {
	ProductType string `json:"productType"`
	ProductID   string `json:"productId"`
}

// FirmwareVersion bounds the firmware range the file applies to.
type FirmwareVersion struct {
	Min string `json:"min"`
	Max string `json:"max"`
}

// Compat holds driver compatibility overrides.
type Compat struct {
	CommandClasses CommandClassOverrides `json:"commandClasses"`
}

// CommandClassOverrides lists classes to add, keyed by 0x-prefixed id.
type CommandClassOverrides struct {
	Add map[string]CommandClassFlags `json:"add"`
}

// CommandClassFlags marks a class supported and/or controlled.
type CommandClassFlags struct {
	IsSupported  bool `json:"isSupported"`
	IsControlled bool `json:"isControlled"`
}

// Build returns the file contents for cfg.
func Build(cfg Config) File {
	f := File{
		Manufacturer:   cfg.Manufacturer,
		ManufacturerID: hex16(cfg.ManufacturerID),
		Label:          cfg.Label,
		Description:    cfg.Description,
		Devices:        make([]FileDevice, 0, len(cfg.Devices)),
		FirmwareVersion: FirmwareVersion{
			Min: cfg.FirmwareMin,
			Max: cfg.FirmwareMax,
		},
		Compat: Compat{
			CommandClasses: CommandClassOverrides{
				Add: map[string]CommandClassFlags{
					"0x91": {IsSupported: true, IsControlled: true},
				},
			},
		},
	}
	if f.FirmwareVersion.Min == "" {
		f.FirmwareVersion.Min = "0.0"
	}
	if f.FirmwareVersion.Max == "" {
		f.FirmwareVersion.Max = "255.255"
	}
	for _, d := range cfg.Devices {
		f.Devices = append(f.Devices, FileDevice{
			ProductType: hex16(d.ProductType),
			ProductID:   hex16(d.ProductID),
		})
	}
	return f
}

func hex16(v int) string {
	return fmt.Sprintf("0x%04x", v)
}

// EnsureFile writes the device-metadata file unless it already exists.
//
// Returns:
//   - bool: true when the file was created by this call
//   - error: if cfg is invalid or the file could not be written
func EnsureFile(cfg Config, log zwave.Logger) (bool, error) {
	if log == nil {
		log = zwave.NopLogger{}
	}
	if err := cfg.Validate(); err != nil {
		return false, err
	}

	if _, err := os.Stat(cfg.Path); err == nil {
		log.Info("device config file exists, leaving it unchanged", "path", cfg.Path)
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("checking device config file: %w", err)
	}

	data, err := json.MarshalIndent(Build(cfg), "", "  ")
	if err != nil {
		return false, fmt.Errorf("encoding device config: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return false, fmt.Errorf("creating device config directory: %w", err)
	}

	// O_EXCL keeps a file created concurrently by someone else.
	f, err := os.OpenFile(cfg.Path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644) //nolint:gosec // path from operator config
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("creating device config file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(cfg.Path)
		return false, fmt.Errorf("writing device config file: %w", err)
	}
	if err := f.Close(); err != nil {
		return false, fmt.Errorf("closing device config file: %w", err)
	}

	log.Info("device config file written", "path", cfg.Path, "label", cfg.Label)
	return true, nil
}
