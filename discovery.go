// discovery.go
package gcode_arm

import (
	"context"
	"os"
	"path/filepath"

	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
	"go.viam.com/rdk/services/generic"

	"gcode_arm/transport"
)

var GCodeDiscoveryModel = resource.NewModel("devrel", "gcode", "discovery")

func init() {
	resource.RegisterService(
		discovery.API,
		GCodeDiscoveryModel,
		resource.Registration[discovery.Service, *DiscoveryConfig]{
			Constructor: newGCodeDiscovery,
		})
}

// DiscoveryConfig is the configuration for the discovery service
type DiscoveryConfig struct {
	Baudrate int `json:"baudrate,omitempty"`
}

// Validate ensures the config is valid
func (cfg *DiscoveryConfig) Validate(path string) ([]string, []string, error) {
	return nil, nil, nil
}

type gcodeDiscovery struct {
	resource.Named
	resource.AlwaysRebuild
	resource.TriviallyCloseable
	logger   logging.Logger
	cfg      *DiscoveryConfig
	registry *transport.Registry
	list     func() ([]transport.PortInfo, error)
}

func newGCodeDiscovery(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
	logger logging.Logger,
) (discovery.Service, error) {
	cfg, err := resource.NativeConfig[*DiscoveryConfig](conf)
	if err != nil {
		return nil, err
	}

	return &gcodeDiscovery{
		Named:    conf.ResourceName().AsNamed(),
		logger:   logger,
		cfg:      cfg,
		registry: transport.DefaultRegistry,
		list:     transport.ListCandidatePorts,
	}, nil
}

// DiscoverResources proposes one runner service per candidate serial port.
// Ports already held by a running service are skipped.
func (dis *gcodeDiscovery) DiscoverResources(ctx context.Context, extra map[string]any) ([]resource.Config, error) {
	dis.logger.Info("Starting gcode arm discovery")

	ports, err := dis.list()
	if err != nil {
		return nil, err
	}
	dis.logger.Debugf("Found %d candidate ports", len(ports))

	var configs []resource.Config
	for _, p := range ports {
		select {
		case <-ctx.Done():
			dis.logger.Info("Discovery cancelled")
			return configs, ctx.Err()
		default:
		}

		if _, inUse, _ := dis.registry.Status(p.Name); inUse {
			dis.logger.Debugf("Skipping %s, already in use", p.Name)
			continue
		}
		configs = append(configs, dis.generateConfig(p))
	}

	if len(configs) == 0 {
		dis.logger.Info("No serial ports available for a gcode runner")
	} else {
		dis.logger.Infof("Discovered %d service configurations", len(configs))
	}
	return configs, nil
}

func (dis *gcodeDiscovery) generateConfig(p transport.PortInfo) resource.Config {
	attrs := map[string]interface{}{
		"port": p.Name,
	}
	if dis.cfg.Baudrate != 0 {
		attrs["baudrate"] = dis.cfg.Baudrate
	}

	moduleDataDir := os.Getenv("VIAM_MODULE_DATA")
	if moduleDataDir != "" {
		program := filepath.Join(moduleDataDir, "program-"+p.Suffix+".gcode")
		if _, err := os.Stat(program); err == nil {
			dis.logger.Debugf("Found program file %s for %s", program, p.Name)
			attrs["program_file"] = program
		}
	}

	return resource.Config{
		Name:       "gcode-runner-" + p.Suffix,
		API:        generic.API,
		Model:      GCodeRunnerModel,
		Attributes: attrs,
	}
}
