// Command kerneld hosts a Jupyter kernel core: it binds the five protocol
// sockets described by a Jupyter-supplied connection file and dispatches
// requests to a handler.Set. This binary alone implements no language
// runtime — main wires in a minimal illustrative handler only so the binary
// is runnable standalone for smoke-testing; a real embedding program links
// internal/supervisor directly and supplies its own handler.Set.
//
// Grounded on the teacher's main.go: the --install flag and the
// connection-file-driven startup are kept, with the connection file flag
// named --connection_file and the kernel-spec metadata taken from flags.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/arkgo/kernelcore/internal/kernel"
	"github.com/arkgo/kernelcore/internal/supervisor"
	"github.com/arkgo/kernelcore/internal/version"
)

var (
	flagConnectionFile = flag.String("connection_file", "", "Path to the Jupyter-provided connection file")
	flagInstall        = flag.Bool("install", false, "Install the kernel spec into the local Jupyter configuration and exit")
	flagVersion        = flag.Bool("version", false, "Print version information and exit")
	flagLspPort        = flag.Int("lsp_port", 0, "TCP port the embedded LSP host listens on (0 disables it)")
	flagLspWorkspace   = flag.String("lsp_workspace_root", "", "Directory the embedded LSP host watches for out-of-band file changes (empty disables watching)")
	flagKernelDirName  = flag.String("kernel_dir_name", "kernelcore", "Directory name under Jupyter's kernels/ to install into")
	flagDisplayName    = flag.String("display_name", "Kernel Core", "display_name written into kernel.json")
	flagLanguage       = flag.String("language", "text", "language written into kernel.json")
)

var appVersion = version.AppVersion("0.1.0", "$Format:%(describe)$", "$Format:%H$")

func main() {
	flag.Parse()

	if *flagVersion {
		appVersion.Print()
		return
	}

	if *flagInstall {
		spec := kernel.InstallSpec{
			KernelDirName: *flagKernelDirName,
			DisplayName:   *flagDisplayName,
			Language:      *flagLanguage,
		}
		var extraArgs []string
		if *flagLspPort != 0 {
			extraArgs = append(extraArgs, "--lsp_port", fmt.Sprintf("%d", *flagLspPort))
		}
		must.M(kernel.Install(spec, extraArgs))
		return
	}

	if *flagConnectionFile == "" {
		_, _ = fmt.Fprintln(os.Stderr, "Use --install to register the kernel spec, or --connection_file when launched by Jupyter.")
		flag.PrintDefaults()
		os.Exit(1)
	}

	opts := supervisor.Options{CaptureStreams: true}
	if *flagLspPort != 0 {
		opts.LspAddr = fmt.Sprintf("127.0.0.1:%d", *flagLspPort)
		if *flagLspWorkspace != "" {
			opts.LspWorkspaceRoots = []string{*flagLspWorkspace}
		}
	}

	sup, err := supervisor.Start(*flagConnectionFile, illustrativeHandlers(), opts)
	if err != nil {
		klog.Fatalf("failed to start kernel: %+v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM)
	go func() {
		<-sig
		sup.Stop()
	}()

	klog.Infof("kernel %s listening, connection file %q", sup.Kernel.KernelID, *flagConnectionFile)
	sup.Wait()
	klog.Infof("kernel exiting")
}
