package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/onkernel/qemubackend/lib/backend"
	"github.com/onkernel/qemubackend/lib/bridge"
)

// startVMArgs is the arguments payload for the start_vm command: the
// frozen VmConfig, the block device model topology (controllers, drives,
// paths; identical shape whether this is a first boot or a resume), and
// the serial console log destination.
type startVMArgs struct {
	VmConfig      backend.VmConfig `json:"vm_config"`
	Model         json.RawMessage  `json:"model"`
	SerialLogPath string           `json:"serial_log_path"`
	Env           []string         `json:"env"`
}

type stopVMArgs struct {
	ModelStatePath string `json:"model_state_path"`
}

type powerArgs struct {
	Action string `json:"action"`
}

type snapshotNameArgs struct {
	Name string `json:"name"`
}

type extractAssetsArgs struct {
	DriveID string `json:"hdd_num"`
	DestDir string `json:"dir"`
	Format  string `json:"format"`
}

type filenameArgs struct {
	Filename string `json:"filename"`
}

type cpuStatArgs struct {
	PID int `json:"pid"`
}

type mouseHideArgs struct {
	BorderOffset int `json:"border_offset"`
}

type canHandleArgs struct {
	Capability string `json:"function"`
}

// dispatcher routes incoming command frames to the one Driver instance
// this process hosts.
type dispatcher struct {
	driver *backend.Driver
	model  modelConfigurer
}

// modelConfigurer lets dispatch rebuild the block device model's
// topology from the start_vm command's arguments without dispatch
// importing lib/blockdev directly for anything but the one call it needs.
type modelConfigurer interface {
	ConfigureFromJSON(raw []byte) error
}

// dispatch runs one request to completion and returns the payload to
// write back. It never returns a Go error itself: every failure is
// folded into an {error, message} payload.
func (d *dispatcher) dispatch(ctx context.Context, req bridge.Request) bridge.RSPPayload {
	result, err := d.run(ctx, req)
	if err != nil {
		return bridge.RSPPayload{OK: false, Error: "error", Message: err.Error()}
	}
	return bridge.RSPPayload{OK: result.OK, Data: result.Data}
}

func (d *dispatcher) run(ctx context.Context, req bridge.Request) (backend.Result, error) {
	switch req.Cmd {
	case "configure_model":
		if err := d.model.ConfigureFromJSON(req.Arguments); err != nil {
			return backend.Result{}, err
		}
		return backend.Result{OK: true}, nil

	case "start_vm":
		var args startVMArgs
		if err := unmarshalArgs(req.Arguments, &args); err != nil {
			return backend.Result{}, err
		}
		if len(args.Model) > 0 {
			if err := d.model.ConfigureFromJSON(args.Model); err != nil {
				return backend.Result{}, err
			}
		}
		d.driver.SetConfig(args.VmConfig)
		return d.driver.StartVM(ctx, args.SerialLogPath, args.Env)

	case "stop_vm":
		var args stopVMArgs
		if err := unmarshalArgs(req.Arguments, &args); err != nil {
			return backend.Result{}, err
		}
		return d.driver.StopVM(ctx, args.ModelStatePath)

	case "power":
		var args powerArgs
		if err := unmarshalArgs(req.Arguments, &args); err != nil {
			return backend.Result{}, err
		}
		return d.driver.Power(args.Action)

	case "eject_cd":
		return d.driver.EjectCD()

	case "save_snapshot":
		var args snapshotNameArgs
		if err := unmarshalArgs(req.Arguments, &args); err != nil {
			return backend.Result{}, err
		}
		return d.driver.SaveSnapshot(ctx, args.Name)

	case "load_snapshot":
		var args snapshotNameArgs
		if err := unmarshalArgs(req.Arguments, &args); err != nil {
			return backend.Result{}, err
		}
		return d.driver.LoadSnapshot(ctx, args.Name)

	case "extract_assets":
		var args extractAssetsArgs
		if err := unmarshalArgs(req.Arguments, &args); err != nil {
			return backend.Result{}, err
		}
		return d.driver.ExtractAssets(ctx, args.DriveID, args.DestDir, args.Format)

	case "start_audiocapture":
		var args filenameArgs
		if err := unmarshalArgs(req.Arguments, &args); err != nil {
			return backend.Result{}, err
		}
		return d.driver.StartAudioCapture(args.Filename)

	case "stop_audiocapture":
		return d.driver.StopAudioCapture()

	case "cpu_stat":
		var args cpuStatArgs
		if err := unmarshalArgs(req.Arguments, &args); err != nil {
			return backend.Result{}, err
		}
		return d.driver.CPUStat(args.PID)

	case "is_shutdown":
		return d.driver.IsShutdown()

	case "freeze_vm":
		return d.driver.FreezeVM()

	case "cont_vm":
		return d.driver.ContVM()

	case "can_handle":
		var args canHandleArgs
		if err := unmarshalArgs(req.Arguments, &args); err != nil {
			return backend.Result{}, err
		}
		return d.driver.CanHandle(args.Capability)

	case "mouse_hide":
		var args mouseHideArgs
		if err := unmarshalArgs(req.Arguments, &args); err != nil {
			return backend.Result{}, err
		}
		return d.driver.MouseHide(args.BorderOffset)

	default:
		return backend.Result{}, fmt.Errorf("cmd/backend: unknown command %q", req.Cmd)
	}
}

func unmarshalArgs(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("cmd/backend: unmarshal arguments: %w", err)
	}
	return nil
}
