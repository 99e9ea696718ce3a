package kernel

import (
	"encoding/json"
	"os"
	"os/exec"
	"path"
	"runtime"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// JupyterDataDirEnv is the environment variable overriding where Jupyter
// looks for kernel specs.
const JupyterDataDirEnv = "JUPYTER_DATA_DIR"

// kernelSpec is the Jupyter `kernel.json` descriptor (spec §6's --install).
type kernelSpec struct {
	Argv        []string          `json:"argv"`
	DisplayName string            `json:"display_name"`
	Language    string            `json:"language"`
	Env         map[string]string `json:"env"`
}

// InstallSpec describes the metadata --install writes into kernel.json;
// cmd/kerneld fills it from its --kernel_dir_name, --display_name and
// --language flags.
type InstallSpec struct {
	KernelDirName string // e.g. "mylang"; the directory name under kernels/
	DisplayName   string
	Language      string
}

// Install writes a kernel.json for this binary under the user's Jupyter
// kernel-spec directory, so `jupyter kernelspec list` and notebook UIs find
// it. Grounded on the teacher's internal/kernel/install.go, generalized from
// a hardcoded "Go (gonb)" spec to whatever InstallSpec the embedding runtime
// supplies.
func Install(spec InstallSpec, extraArgs []string) error {
	execPath, err := os.Executable()
	if err != nil {
		return errors.WithMessage(err, "failed to find path to kernel binary")
	}

	config := kernelSpec{
		Argv:        append([]string{execPath, "--connection_file", "{connection_file}"}, extraArgs...),
		DisplayName: spec.DisplayName,
		Language:    spec.Language,
		Env:         map[string]string{},
	}

	home := os.Getenv("HOME")
	dataDir := os.Getenv(JupyterDataDirEnv)
	if dataDir == "" {
		switch runtime.GOOS {
		case "linux":
			dataDir = path.Join(home, ".local/share/jupyter")
		case "darwin":
			dataDir = path.Join(home, "Library/Jupyter")
		default:
			return errors.Errorf("unknown OS %q: set %s to force a kernel-spec location", runtime.GOOS, JupyterDataDirEnv)
		}
	}
	kernelDir := path.Join(dataDir, "kernels", spec.KernelDirName)
	if err := os.MkdirAll(kernelDir, 0755); err != nil {
		return errors.WithMessagef(err, "failed to create kernel-spec directory %q", kernelDir)
	}

	configPath := path.Join(kernelDir, "kernel.json")
	f, err := os.Create(configPath)
	if err != nil {
		return errors.WithMessagef(err, "failed to create %q", configPath)
	}
	defer f.Close()
	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(&config); err != nil {
		return errors.WithMessagef(err, "failed to write %q", configPath)
	}
	klog.Infof("kernel-spec installed at %q", configPath)
	return nil
}

// CheckExternalTool warns (or, if required, fails) when an external tool the
// embedding runtime depends on (e.g. a language server binary) is missing
// from PATH.
func CheckExternalTool(name string, required bool) error {
	if _, err := exec.LookPath(name); err != nil {
		msg := errors.Errorf("required external tool %q not found in PATH", name)
		if required {
			return msg
		}
		klog.Warningf("%v", msg)
	}
	return nil
}
