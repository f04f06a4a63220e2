package instanceutils

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
	"github.com/ruteri/module-identity-provisioning/interfaces"
)

// EdgeEnvPrefix is the prefix of the variables the edge runtime sets for
// every module it starts.
const EdgeEnvPrefix = "IOTEDGE"

// EdgeEnvironment is the module environment provided by the edge runtime,
// e.g. IOTEDGE_DEVICEID for DeviceID. All variables are required.
type EdgeEnvironment struct {
	IotHubHostname     string `required:"true"`
	GatewayHostname    string `required:"true"`
	DeviceID           string `required:"true"`
	ModuleID           string `required:"true"`
	ModuleGenerationID string `required:"true"`
	WorkloadURI        string `required:"true"`
}

func LoadEdgeEnvironment() (EdgeEnvironment, error) {
	var env EdgeEnvironment
	if err := envconfig.Process(EdgeEnvPrefix, &env); err != nil {
		return EdgeEnvironment{}, fmt.Errorf("incomplete edge module environment: %w", err)
	}
	return env, nil
}

func (e EdgeEnvironment) ModuleRef() (interfaces.ModuleRef, error) {
	return interfaces.NewModuleRef(e.DeviceID, e.ModuleID)
}
