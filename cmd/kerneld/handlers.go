package main

import (
	"context"

	"github.com/arkgo/kernelcore/internal/handler"
	"github.com/arkgo/kernelcore/internal/wire"
)

// echoHandler is a minimal ShellHandler/ControlHandler that reports it
// accepted input without running anything, letting this binary be smoke
// tested standalone (e.g. `jupyter console --kernel kernelcore`). A real
// embedding runtime supplies its own handler.Set to supervisor.Start in
// place of illustrativeHandlers.
type echoHandler struct{}

func (echoHandler) Info(context.Context) wire.KernelInfo {
	return wire.KernelInfo{
		ProtocolVersion:        wire.ProtocolVersion,
		Implementation:         "kernelcore",
		ImplementationVersion:  appVersion.Version,
		Banner:                 "kernelcore: no language runtime is wired into this standalone binary",
		LanguageInfo: wire.LanguageInfo{
			Name:          "text",
			Version:       appVersion.Version,
			MIMEType:      "text/plain",
			FileExtension: ".txt",
		},
	}
}

func (echoHandler) Execute(_ context.Context, req handler.ExecuteRequest, _ handler.Originator) (handler.ExecuteResult, error) {
	return handler.ExecuteResult{Status: "ok"}, nil
}

func (echoHandler) IsComplete(context.Context, string) (string, string, error) {
	return "complete", "", nil
}

func (echoHandler) Complete(context.Context, string, int) (handler.CompleteReply, error) {
	return handler.CompleteReply{Status: "ok"}, nil
}

func (echoHandler) Inspect(context.Context, string, int, int) (handler.InspectReply, error) {
	return handler.InspectReply{Status: "ok", Found: false}, nil
}

func (echoHandler) CommOpen(context.Context, string, string, map[string]interface{}) error {
	return nil
}

func (echoHandler) CommInfo(context.Context, string) (map[string]handler.CommInfoEntry, error) {
	return map[string]handler.CommInfoEntry{}, nil
}

func (echoHandler) InputReply(context.Context, string, handler.Originator) error { return nil }

func (echoHandler) Interrupt(context.Context) error { return nil }

func (echoHandler) Shutdown(context.Context, bool) error { return nil }

func illustrativeHandlers() handler.Set {
	h := echoHandler{}
	return handler.Set{Shell: h, Control: h}
}
