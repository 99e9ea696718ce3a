package router

import (
	"context"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/arkgo/kernelcore/internal/handler"
	"github.com/arkgo/kernelcore/internal/wire"
)

// handleSerialized answers the four bracketed request types in order.
func (r *Router) handleSerialized(ctx context.Context, ids wire.Identities, msg *wire.ComposedMsg) error {
	switch msg.Header.MsgType {
	case "kernel_info_request":
		return r.handleKernelInfo(ctx, ids, msg)
	case "execute_request":
		return r.handleExecute(ctx, ids, msg)
	case "inspect_request":
		return r.handleInspect(ctx, ids, msg)
	case "complete_request":
		return r.handleComplete(ctx, ids, msg)
	default:
		klog.Infof("%s: no handler for serialized type %q", r.Name, msg.Header.MsgType)
		return nil
	}
}

// handleAsync answers comm traffic and comm_info_request without blocking
// the serialized queue.
func (r *Router) handleAsync(ctx context.Context, ids wire.Identities, msg *wire.ComposedMsg) error {
	switch msg.Header.MsgType {
	case "comm_open":
		return r.Comms.HandleOpen(ctx, ids, msg)
	case "comm_msg":
		return r.Comms.HandleMsg(ctx, ids, msg)
	case "comm_close":
		return r.Comms.HandleClose(ctx, ids, msg)
	case "comm_info_request":
		return r.handleCommInfo(ctx, ids, msg)
	case "is_complete_request":
		return r.handleIsComplete(ctx, ids, msg)
	default:
		return nil
	}
}

func (r *Router) handleIsComplete(ctx context.Context, ids wire.Identities, msg *wire.ComposedMsg) error {
	content := contentMap(msg)
	code, _ := content["code"].(string)

	status, indent, err := r.Shell.IsComplete(ctx, code)
	if err != nil {
		return r.reply(msg, ids, "is_complete_reply", map[string]interface{}{"status": "unknown"})
	}
	reply := map[string]interface{}{"status": status}
	if status == "incomplete" {
		reply["indent"] = indent
	}
	return r.reply(msg, ids, "is_complete_reply", reply)
}

func (r *Router) handleKernelInfo(ctx context.Context, ids wire.Identities, msg *wire.ComposedMsg) error {
	content := contentMap(msg)
	if v, ok := content["version"].(string); ok && !wire.CompatibleProtocolVersion(v) {
		klog.Warningf("kernel_info_request declares incompatible protocol version %q (kernel speaks %q)", v, wire.ProtocolVersion)
	}
	info := r.Shell.Info(ctx)
	if info.ProtocolVersion == "" {
		info.ProtocolVersion = wire.ProtocolVersion
	}
	return r.reply(msg, ids, "kernel_info_reply", info)
}

func (r *Router) handleExecute(ctx context.Context, ids wire.Identities, msg *wire.ComposedMsg) error {
	r.Ctx.Set(msg.Header)
	content := contentMap(msg)
	code, _ := content["code"].(string)
	silent, _ := content["silent"].(bool)
	storeHistory, _ := content["store_history"].(bool)

	if storeHistory {
		r.ExecCount++
	}
	if !silent {
		r.IOPub.ExecuteInput(msg.Header, r.ExecCount, code)
	}

	req := handler.ExecuteRequest{Code: code, Silent: silent, StoreHistory: storeHistory}
	result, err := r.Shell.Execute(ctx, req, r.originator(ids, msg))

	reply := map[string]interface{}{}
	if storeHistory {
		reply["execution_count"] = r.ExecCount
	}
	if err != nil || result.Status == "error" {
		ename, evalue, tb := result.ErrorName, result.ErrorValue, result.Traceback
		if err != nil && ename == "" {
			ename, evalue = "Exception", err.Error()
		}
		reply["status"] = "error"
		reply["ename"] = ename
		reply["evalue"] = evalue
		reply["traceback"] = tb
		r.IOPub.Error(msg.Header, ename, evalue, tb)
		return r.reply(msg, ids, "execute_reply", reply)
	}
	reply["status"] = "ok"
	reply["user_expressions"] = map[string]interface{}{}
	return r.reply(msg, ids, "execute_reply", reply)
}

func (r *Router) handleInspect(ctx context.Context, ids wire.Identities, msg *wire.ComposedMsg) error {
	content := contentMap(msg)
	code, _ := content["code"].(string)
	cursorPos, _ := content["cursor_pos"].(float64)
	detailLevel, _ := content["detail_level"].(float64)

	result, err := r.Shell.Inspect(ctx, code, int(cursorPos), int(detailLevel))
	if err != nil {
		return r.reply(msg, ids, "inspect_reply", map[string]interface{}{"status": "error", "found": false})
	}
	return r.reply(msg, ids, "inspect_reply", map[string]interface{}{
		"status": result.Status, "found": result.Found, "data": result.Data, "metadata": map[string]interface{}{},
	})
}

func (r *Router) handleComplete(ctx context.Context, ids wire.Identities, msg *wire.ComposedMsg) error {
	content := contentMap(msg)
	code, _ := content["code"].(string)
	cursorPos, _ := content["cursor_pos"].(float64)

	result, err := r.Shell.Complete(ctx, code, int(cursorPos))
	if err != nil {
		return r.reply(msg, ids, "complete_reply", map[string]interface{}{
			"status": "error", "matches": []string{}, "cursor_start": int(cursorPos), "cursor_end": int(cursorPos),
		})
	}
	return r.reply(msg, ids, "complete_reply", map[string]interface{}{
		"status": result.Status, "matches": result.Matches,
		"cursor_start": result.CursorStart, "cursor_end": result.CursorEnd, "metadata": map[string]interface{}{},
	})
}

func (r *Router) handleCommInfo(ctx context.Context, ids wire.Identities, msg *wire.ComposedMsg) error {
	content := contentMap(msg)
	targetName, _ := content["target_name"].(string)
	entries, err := r.Shell.CommInfo(ctx, targetName)
	if err != nil {
		return err
	}
	comms := map[string]interface{}{}
	for id, e := range entries {
		comms[id] = map[string]interface{}{"target_name": e.TargetName}
	}
	return r.reply(msg, ids, "comm_info_reply", map[string]interface{}{"status": "ok", "comms": comms})
}

// handleShutdown answers shutdown_request on Control, closing comms first so
// any comm_close notifications reach the front end before the kernel exits.
func (r *Router) handleShutdown(ctx context.Context, ids wire.Identities, msg *wire.ComposedMsg) error {
	klog.Infof("%s: shutting down in response to shutdown_request", r.Name)
	content := contentMap(msg)
	restart, _ := content["restart"].(bool)

	if err := r.Comms.CloseAll(ctx); err != nil {
		klog.Warningf("%s: error closing comms during shutdown: %+v", r.Name, err)
	}

	replyErr := r.reply(msg, ids, "shutdown_reply", map[string]interface{}{"status": "ok", "restart": restart})
	if err := r.Control.Shutdown(ctx, restart); err != nil {
		return errors.WithMessage(err, "handler shutdown failed")
	}
	return replyErr
}

func (r *Router) handleInterrupt(ctx context.Context, ids wire.Identities, msg *wire.ComposedMsg) error {
	err := r.Control.Interrupt(ctx)
	replyErr := r.reply(msg, ids, "interrupt_reply", map[string]interface{}{"status": "ok"})
	if err != nil {
		return errors.WithMessage(err, "handler interrupt failed")
	}
	return replyErr
}
