package seccomp

import (
	"encoding/json"
)

// DockerProfileJSON renders the default profile in the JSON format Docker's
// --security-opt seccomp= expects. The OCI action and architecture constants
// (SCMP_ACT_*, SCMP_ARCH_*) are the same strings Docker uses, so the
// runtime-spec struct marshals directly.
func DockerProfileJSON() ([]byte, error) {
	return json.MarshalIndent(DefaultProfile(), "", "  ")
}
