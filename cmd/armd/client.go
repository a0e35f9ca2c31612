package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HomeCmd and EStopCmd talk to a running daemon over its HTTP API, so an
// operator can home or kill the arm from a shell without the web UI.

type HomeCmd struct {
	Addr   string `long:"addr" short:"a" default:"localhost:5000" description:"Daemon address"`
	Joints []int  `long:"joint" short:"j" description:"Joint index to home (repeatable, default all)"`
}

type EStopCmd struct {
	Addr string `long:"addr" short:"a" default:"localhost:5000" description:"Daemon address"`
}

func postJSON(addr, path string, body interface{}) (map[string]interface{}, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(fmt.Sprintf("http://%s%s", addr, path), "application/json", &buf)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unexpected response: %s", data)
	}
	if resp.StatusCode != http.StatusOK {
		if msg, ok := out["error"].(string); ok {
			return nil, fmt.Errorf("%s", msg)
		}
		return nil, fmt.Errorf("daemon returned %s", resp.Status)
	}
	return out, nil
}

func (c *HomeCmd) Execute(args []string) error {
	resp, err := postJSON(c.Addr, "/api/execute/home", map[string][]int{"joints": c.Joints})
	if err != nil {
		return fmt.Errorf("home: %w", err)
	}
	if len(c.Joints) == 0 {
		fmt.Printf("Homing all joints (command %v)\n", resp["id"])
	} else {
		fmt.Printf("Homing joints %v (command %v)\n", c.Joints, resp["id"])
	}
	return nil
}

func (c *EStopCmd) Execute(args []string) error {
	if _, err := postJSON(c.Addr, "/api/estop", nil); err != nil {
		return fmt.Errorf("estop: %w", err)
	}
	fmt.Println("Emergency stop sent. The queue is cleared; restart the daemon to resume.")
	return nil
}
