package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/abiosoft/ishell/v2"

	"github.com/kartlab/escd/internal/dispatcher"
	"github.com/kartlab/escd/internal/handlers"
	"github.com/kartlab/escd/pkg/core"
)

// commander is the dispatcher as seen by the shell.
type commander interface {
	Dispatch(e dispatcher.Event) (any, error)
}

func dispatchShell(d commander, command string, args ...string) (any, error) {
	return d.Dispatch(dispatcher.Event{Command: command, Args: args, Source: "shell"})
}

// setAll sends speed to every motor and returns the line to print.
func setAll(d commander, speed float64, label string) string {
	res, err := dispatchShell(d, handlers.CmdAll, strconv.FormatFloat(speed, 'f', -1, 64))
	if err != nil {
		return fmt.Sprintf("Command failed: %v", err)
	}
	if ok, _ := res.(bool); !ok {
		return "Command rejected (emergency stop latched or queue full)"
	}
	return label
}

func parseShellSpeed(args []string) (float64, error) {
	if len(args) != 1 {
		return 0, errors.New("invalid speed value")
	}
	v, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return 0, errors.New("invalid speed value")
	}
	return v, nil
}

func shellStatus(d commander) (core.Status, error) {
	res, err := dispatchShell(d, handlers.CmdStatus)
	if err != nil {
		return core.Status{}, err
	}
	st, ok := res.(core.Status)
	if !ok {
		return core.Status{}, fmt.Errorf("unexpected status result %T", res)
	}
	return st, nil
}

// newShell builds the operator console. quit is called by the quit command.
func newShell(d commander, quit func()) *ishell.Shell {
	shell := ishell.New()
	shell.Println("Kart ESC Motor Control System")

	shell.AddCmd(&ishell.Cmd{
		Name: "f",
		Help: "f <speed> - set forward speed (0-100)",
		Func: func(c *ishell.Context) {
			speed, err := parseShellSpeed(c.Args)
			if err != nil {
				c.Err(err)
				return
			}
			c.Println(setAll(d, speed, fmt.Sprintf("Forward speed set to %v%%", speed)))
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "r",
		Help: "r <speed> - set reverse speed (0-100)",
		Func: func(c *ishell.Context) {
			speed, err := parseShellSpeed(c.Args)
			if err != nil {
				c.Err(err)
				return
			}
			c.Println(setAll(d, -speed, fmt.Sprintf("Reverse speed set to %v%%", speed)))
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "s",
		Help: "stop motors",
		Func: func(c *ishell.Context) {
			c.Println(setAll(d, 0, "Motors stopped"))
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "c",
		Help: "calibrate ESCs (engine must be idle)",
		Func: func(c *ishell.Context) {
			st, err := shellStatus(d)
			if err != nil {
				c.Err(err)
				return
			}
			if st.Running {
				c.Println("Cannot calibrate while the engine is running; restart with ESCD_CALIBRATE=true")
				return
			}
			if _, err := dispatchShell(d, handlers.CmdCalibrate); err != nil {
				c.Err(err)
				return
			}
			c.Println("Calibrating ESCs...")
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "e",
		Help: "emergency stop",
		Func: func(c *ishell.Context) {
			if _, err := dispatchShell(d, handlers.CmdEStop); err != nil {
				c.Err(err)
				return
			}
			c.Println("Emergency stop activated")
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "reset",
		Help: "reset emergency stop",
		Func: func(c *ishell.Context) {
			if _, err := dispatchShell(d, handlers.CmdReset); err != nil {
				c.Println("Cannot reset emergency stop")
				return
			}
			c.Println("Emergency stop reset")
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "status",
		Help: "show system status",
		Func: func(c *ishell.Context) {
			st, err := shellStatus(d)
			if err != nil {
				c.Err(err)
				return
			}
			out, _ := json.MarshalIndent(st, "", "  ")
			c.Println(string(out))
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "quit",
		Help: "shut down and exit",
		Func: func(c *ishell.Context) {
			c.Stop()
			quit()
		},
	})

	return shell
}
