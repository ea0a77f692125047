package reconciler

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aurora-admin/aurora/pkg/connector"
	"github.com/aurora-admin/aurora/pkg/translator"
	"github.com/aurora-admin/aurora/pkg/types"
)

// unitTemplate is the per-port service unit. ExecStart is exactly the
// translator's command line.
const unitTemplate = `[Unit]
Description=Aurora managed forwarding for port %d
After=network.target

[Service]
Type=simple
LimitNOFILE=65535
ExecStart=%s
Restart=always
RestartSec=5

[Install]
WantedBy=multi-user.target
`

// executor runs one plan's steps over a single connection. It mutates
// the server snapshot (facts, binary versions, service states) as it
// learns things; the reconciler persists the snapshot afterwards.
type executor struct {
	remote connector.Remote
	server *types.Server
	lookup BinaryLookup
	logger zerolog.Logger

	output strings.Builder

	// dirty marks the server snapshot as changed.
	dirty bool
	// helperOK is set once the filter helper is known current, so one
	// plan verifies it at most once.
	helperOK bool
}

func (e *executor) run(ctx context.Context, step translator.Step) error {
	switch step.Kind {
	case translator.StepEnsureBinary:
		return e.ensureBinary(ctx, step)
	case translator.StepWriteConfig:
		return e.writeConfig(ctx, step)
	case translator.StepWriteService:
		return e.writeService(ctx, step)
	case translator.StepRemoveService:
		return e.removeService(ctx, step)
	case translator.StepRemoveConfig:
		return e.removeConfig(ctx, step)
	case translator.StepInstallFilter, translator.StepApplyShaping:
		return e.runFilter(ctx, step)
	case translator.StepProbeFacts:
		return e.probeFacts(ctx)
	}
	return fmt.Errorf("unknown step kind %q", step.Kind)
}

// captured returns the combined published output of the plan so far
func (e *executor) captured() string {
	return e.output.String()
}

// runCmd executes on the job stream and keeps a copy of the output for
// the artifacts record and the traffic roll-up.
func (e *executor) runCmd(ctx context.Context, cmd string) (string, error) {
	out, err := e.remote.Run(ctx, cmd)
	if out != "" {
		e.output.WriteString(out)
		if !strings.HasSuffix(out, "\n") {
			e.output.WriteByte('\n')
		}
	}
	return out, err
}

// ensureBinary installs a method binary unless the server already
// reports a version for it, then records `<binary> <versionArg>`'s
// first output line as the installed version.
func (e *executor) ensureBinary(ctx context.Context, step translator.Step) error {
	if e.server.Config.Binaries[step.Binary] != "" {
		return nil
	}
	if err := e.install(ctx, step); err != nil {
		return err
	}

	probe := step.Source
	if probe == "" {
		probe = step.Binary
	}
	out, err := e.runCmd(ctx, probe+" "+step.VersionArg)
	if err != nil {
		return fmt.Errorf("binary %s did not install cleanly: %v", step.Binary, err)
	}
	if e.server.Config.Binaries == nil {
		e.server.Config.Binaries = make(map[string]string)
	}
	e.server.Config.Binaries[step.Binary] = strings.TrimSpace(firstLine(out))
	e.dirty = true
	return nil
}

// install ships the binary from the panel file store when the method
// names a remote path, else defers to the OS package manager.
func (e *executor) install(ctx context.Context, step translator.Step) error {
	if step.Source != "" && e.lookup != nil {
		local, err := e.lookup(step.Binary)
		if err == nil {
			if err := e.remote.PutFile(ctx, local, step.Source, true); err != nil {
				return err
			}
			_, err = e.runCmd(ctx, "chmod 0755 "+step.Source)
			return err
		}
		e.logger.Debug().Err(err).Str("binary", step.Binary).Msg("No uploaded blob, trying package manager")
	}
	if step.Package == "" {
		return fmt.Errorf("no installer available for binary %s", step.Binary)
	}
	_, err := e.runCmd(ctx, fmt.Sprintf("apt-get install -y %s || yum install -y %s", step.Package, step.Package))
	return err
}

// writeConfig pushes content unless the remote MD5 already matches
func (e *executor) writeConfig(ctx context.Context, step translator.Step) error {
	sum := contentMD5(step.Content)
	if cur, err := e.remoteMD5(ctx, step.Path); err == nil && cur == sum {
		e.markHelper(step.Path, sum)
		return nil
	}
	mode := step.Mode
	if mode == "" {
		mode = "0644"
	}
	if err := e.remote.PutContent(ctx, step.Content, step.Path, "root", mode); err != nil {
		return err
	}
	e.markHelper(step.Path, sum)
	return nil
}

// markHelper records a current filter helper: the init key on the
// server and the per-plan shortcut.
func (e *executor) markHelper(path, sum string) {
	if path != translator.HelperPath {
		return
	}
	e.helperOK = true
	if e.server.Config.Init != sum {
		e.server.Config.Init = sum
		e.dirty = true
	}
}

// writeService installs the per-port unit and restarts it. The unit
// must report active afterwards.
func (e *executor) writeService(ctx context.Context, step translator.Step) error {
	unit := translator.UnitName(step.PortNum)
	content := fmt.Sprintf(unitTemplate, step.PortNum, step.CommandLine)
	err := e.writeConfig(ctx, translator.Step{
		Kind:    translator.StepWriteConfig,
		Path:    translator.UnitPath(step.PortNum),
		Content: content,
	})
	if err != nil {
		return err
	}
	if _, err := e.runCmd(ctx, "systemctl daemon-reload"); err != nil {
		return err
	}
	if _, err := e.runCmd(ctx, "systemctl enable "+unit); err != nil {
		return err
	}
	if _, err := e.runCmd(ctx, "systemctl restart "+unit); err != nil {
		return err
	}
	out, err := e.runCmd(ctx, "systemctl is-active "+unit)
	if err != nil || strings.TrimSpace(out) != "active" {
		return fmt.Errorf("unit %s failed to start", unit)
	}
	e.setService(unit, "active")
	return nil
}

// removeService stops, disables and deletes the per-port unit. Absent
// units are fine; teardown is idempotent.
func (e *executor) removeService(ctx context.Context, step translator.Step) error {
	unit := translator.UnitName(step.PortNum)
	cmd := fmt.Sprintf(
		"systemctl disable --now %s 2>/dev/null; rm -f %s; systemctl daemon-reload",
		unit, translator.UnitPath(step.PortNum),
	)
	if _, err := e.runCmd(ctx, cmd); err != nil {
		return err
	}
	if _, ok := e.server.Config.Services[unit]; ok {
		delete(e.server.Config.Services, unit)
		e.dirty = true
	}
	return nil
}

func (e *executor) removeConfig(ctx context.Context, step translator.Step) error {
	_, err := e.runCmd(ctx, "rm -f "+step.Path)
	return err
}

// runFilter drives the on-host helper, syncing it first
func (e *executor) runFilter(ctx context.Context, step translator.Step) error {
	if err := e.ensureHelper(ctx); err != nil {
		return err
	}
	_, err := e.runCmd(ctx, translator.HelperPath+" "+strings.Join(step.FilterArgs, " "))
	return err
}

func (e *executor) ensureHelper(ctx context.Context) error {
	if e.helperOK {
		return nil
	}
	return e.writeConfig(ctx, translator.Step{
		Kind:    translator.StepWriteConfig,
		Path:    translator.HelperPath,
		Content: translator.FilterHelper,
		Mode:    "0755",
	})
}

// probeFacts gathers the host identity and the filter-persistence
// state into the server snapshot.
func (e *executor) probeFacts(ctx context.Context) error {
	release, err := e.remote.OSRelease(ctx)
	if err != nil {
		return err
	}
	arch, err := e.remote.RunQuiet(ctx, "uname -m")
	if err != nil {
		return err
	}
	kernel, err := e.remote.RunQuiet(ctx, "uname -r")
	if err != nil {
		return err
	}

	facts := &types.SystemFacts{
		Architecture:        strings.TrimSpace(arch),
		DistributionRelease: strings.TrimSpace(kernel),
	}
	// os-release collapses to "<name words> <version>"; the name may
	// itself contain spaces.
	fields := strings.Fields(release)
	switch {
	case len(fields) > 1:
		facts.Distribution = strings.Join(fields[:len(fields)-1], " ")
		facts.DistributionVersion = fields[len(fields)-1]
	case len(fields) == 1:
		facts.Distribution = fields[0]
	}
	facts.OSFamily = osFamily(facts.Distribution)
	e.server.Config.System = facts
	e.dirty = true

	state, err := e.remote.RunQuiet(ctx,
		"systemctl is-enabled netfilter-persistent 2>/dev/null || systemctl is-enabled iptables 2>/dev/null || echo disabled")
	if err == nil {
		if lines := strings.Fields(state); len(lines) > 0 {
			e.setService("netfilter-persistent", lines[0])
		}
	}
	return nil
}

func (e *executor) setService(name, state string) {
	if e.server.Config.Services == nil {
		e.server.Config.Services = make(map[string]string)
	}
	if e.server.Config.Services[name] == state {
		return
	}
	e.server.Config.Services[name] = state
	e.dirty = true
}

func (e *executor) remoteMD5(ctx context.Context, path string) (string, error) {
	out, err := e.remote.RunQuiet(ctx, "md5sum "+path)
	if err != nil {
		return "", err
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return "", fmt.Errorf("unexpected md5sum output %q", out)
	}
	return fields[0], nil
}

func contentMD5(content string) string {
	sum := md5.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}

// osFamily folds a distribution name into its packaging family
func osFamily(distribution string) string {
	name := strings.ToLower(distribution)
	switch {
	case strings.Contains(name, "ubuntu"), strings.Contains(name, "debian"):
		return "Debian"
	case strings.Contains(name, "centos"), strings.Contains(name, "red hat"),
		strings.Contains(name, "rocky"), strings.Contains(name, "alma"),
		strings.Contains(name, "fedora"):
		return "RedHat"
	case strings.Contains(name, "alpine"):
		return "Alpine"
	}
	return distribution
}
