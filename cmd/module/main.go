package main

import (
	gcodeArm "gcode_arm"

	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
	"go.viam.com/rdk/services/generic"
)

func main() {
	// ModularMain can take multiple APIModel arguments, if your module implements multiple models.
	module.ModularMain(
		resource.APIModel{API: generic.API, Model: gcodeArm.GCodeRunnerModel},
		resource.APIModel{API: discovery.API, Model: gcodeArm.GCodeDiscoveryModel},
	)
}
