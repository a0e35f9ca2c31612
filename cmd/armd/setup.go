package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	yaml "gopkg.in/yaml.v2"

	"github.com/arctos-robotics/armd/pkg/bus"
	"github.com/arctos-robotics/armd/pkg/config"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type SetupCommand struct {
	Output string `long:"output" short:"o" default:"armd.yml" description:"Where to write the configuration"`
}

func (c *SetupCommand) Execute(args []string) error {
	fmt.Println(headerStyle.Render("armd Setup"))
	fmt.Println(dimStyle.Render("━━━━━━━━━━"))
	fmt.Println()

	if _, err := os.Stat(c.Output); err == nil {
		var overwrite bool
		confirm := huh.NewForm(huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("%s already exists. Overwrite?", c.Output)).
				Value(&overwrite),
		))
		if err := confirm.Run(); err != nil {
			return err
		}
		if !overwrite {
			fmt.Println("Keeping existing configuration.")
			return nil
		}
	}

	iface := "can0"
	coupled := true
	gripperID := "7"
	speed := "500"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("CAN interface").
				Description("The SocketCAN interface the motors are on").
				Value(&iface),
			huh.NewConfirm().
				Title("Coupled wrist axes?").
				Description("Yes if joints 5 and 6 share a differential drive").
				Value(&coupled),
			huh.NewInput().
				Title("Gripper CAN address").
				Validate(validInt).
				Value(&gripperID),
			huh.NewInput().
				Title("Default motor speed (RPM)").
				Validate(validInt).
				Value(&speed),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	gid, _ := strconv.Atoi(gripperID)
	spd, _ := strconv.Atoi(speed)

	motors := make([]map[string]interface{}, config.NumJoints)
	for i := range motors {
		motors[i] = map[string]interface{}{
			"id":    i + 1,
			"speed": spd,
		}
	}
	tree := map[string]interface{}{
		"coupled_axis_mode": coupled,
		"can_driver": map[string]interface{}{
			"interface":  iface,
			"gripper_id": gid,
			"motors":     motors,
		},
	}
	data, err := yaml.Marshal(tree)
	if err != nil {
		return err
	}
	if err := os.WriteFile(c.Output, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", c.Output, err)
	}

	fmt.Println()
	fmt.Println(successStyle.Render("Setup complete!"))
	fmt.Printf("Configuration saved to %s\n", c.Output)
	if !bus.Available(iface) {
		fmt.Println(dimStyle.Render(fmt.Sprintf("Note: %s is not up right now; the daemon will run in simulator mode.", iface)))
	}
	fmt.Println()
	fmt.Println("Start the daemon with: " + headerStyle.Render("armd serve"))
	return nil
}

func validInt(s string) error {
	if _, err := strconv.Atoi(s); err != nil {
		return fmt.Errorf("must be a number")
	}
	return nil
}
