// Package armd is the controller daemon for the Arctos six-axis robotic
// arm, driving MKS SERVO42D/57D closed-loop steppers over a CAN bus.
//
// # Installation
//
//	go install github.com/arctos-robotics/armd/cmd/armd@latest
//
// # Usage
//
// Generate a configuration, then start the daemon:
//
//	armd setup
//	armd serve
//
// Without a CAN interface the daemon runs against a kinematic simulator,
// so the HTTP API and the monitor work on any machine:
//
//	armd serve --driver sim
//	armd monitor
//
// # Packages
//
// The module is organized into the following packages:
//
//   - cmd/armd: CLI with serve, setup, and monitor commands
//   - cmd/arm-info: bus probe that reports every motor it can reach
//   - pkg/api: HTTP API and WebSocket telemetry
//   - pkg/motion: command queue and fixed-rate control loop
//   - pkg/driver: CAN, simulator, and composite drivers
//   - pkg/mks: MKS servo CAN protocol
//   - pkg/bus: SocketCAN adapter and frame routing
//   - pkg/config: YAML configuration with live reload
package armd
