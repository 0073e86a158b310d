// Package config loads the daemon's INI-style configuration file via
// viper and turns it into the typed values the rest of the daemon needs:
// general settings plus one job.Config per configured "[job.<name>]"
// section.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/alxg/bsrvd/internal/credential"
	"github.com/alxg/bsrvd/internal/hook"
	"github.com/alxg/bsrvd/internal/job"
	"github.com/alxg/bsrvd/internal/logger"
	"github.com/alxg/bsrvd/internal/schedule"
)

// Exit codes mirrored from the reference configuration loader: 42 for a
// missing or malformed config file, 33 for a directory that cannot be
// created or is not writable.
const (
	ExitConfigError = 42
	ExitDirError    = 33
)

const (
	sectionGeneral = "general"
	jobSectionPfx  = "job."
)

// General holds daemon-wide settings from the [general] section.
type General struct {
	LogTarget  logger.Target
	LogFormat  logger.Format
	LogPath    string
	LogLevel   string
	CachePath  string
	BaseDir    string
	MountDir   string
	ListenAddr string
	DemoteUser string
}

// Config is the fully parsed configuration file.
type Config struct {
	General General
	Jobs    []job.Config
	Hooks   map[string]map[string]Hook // job name -> hook name -> spec
}

// Hook is one configured lifecycle hook command.
type Hook struct {
	Argv    []string
	Timeout time.Duration
}

// Load reads path (an INI file) and validates it. Any read or parse
// failure is returned wrapped; callers at the process boundary should
// exit with ExitConfigError. log receives warnings raised while resolving
// keyring-backed passphrases — a bootstrap logger built from defaults is
// fine here, since the daemon's real logger is itself configured by the
// [general] section this function parses.
func Load(path string, log credential.Logger) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "config: reading %s", path)
	}

	cfg := &Config{Hooks: make(map[string]map[string]Hook)}
	cfg.General = General{
		LogTarget:  parseLogTarget(v.GetString(sectionGeneral + ".log_target")),
		LogFormat:  parseLogFormat(v.GetString(sectionGeneral + ".log_format")),
		LogPath:    v.GetString(sectionGeneral + ".log_path"),
		LogLevel:   v.GetString(sectionGeneral + ".log_level"),
		CachePath:  defaultString(v.GetString(sectionGeneral+".cache_path"), "/var/lib/bsrvd/cache.db"),
		BaseDir:    v.GetString(sectionGeneral + ".base_dir"),
		MountDir:   v.GetString(sectionGeneral + ".mount_dir"),
		ListenAddr: defaultString(v.GetString(sectionGeneral+".listen_addr"), "127.0.0.1:7420"),
		DemoteUser: v.GetString(sectionGeneral + ".demote_user"),
	}

	for _, key := range v.AllKeys() {
		section, leaf, isJobKey := splitJobKey(key)
		if !isJobKey || leaf != "repo" {
			continue
		}
		jobCfg, err := loadJobSection(v, section, log)
		if err != nil {
			return nil, errors.Wrapf(err, "config: job %q", section)
		}
		cfg.Jobs = append(cfg.Jobs, jobCfg)
		cfg.Hooks[jobCfg.Name] = loadHooks(v, section)
	}

	if len(cfg.Jobs) == 0 {
		return nil, errors.New("config: no job sections configured")
	}
	return cfg, nil
}

func loadJobSection(v *viper.Viper, section string, log credential.Logger) (job.Config, error) {
	prefix := jobSectionPfx + section + "."
	repo := v.GetString(prefix + "repo")
	if repo == "" {
		return job.Config{}, errors.New("missing repo")
	}

	scheduleExpr := v.GetString(prefix + "schedule")
	if scheduleExpr == "" {
		return job.Config{}, errors.New("missing schedule")
	}
	sched, err := schedule.Parse(scheduleExpr)
	if err != nil {
		return job.Config{}, err
	}

	passphrase := credential.Resolve(v.GetString(prefix+"passphrase"), log)

	retryMax := v.GetInt(prefix + "retry_max")
	if retryMax == 0 && !v.IsSet(prefix+"retry_max") {
		retryMax = 3
	}
	retryDelay := v.GetDuration(prefix + "retry_delay")
	if retryDelay == 0 {
		retryDelay = 10 * time.Minute
	}

	return job.Config{
		Name:                section,
		Repo:                repo,
		Passphrase:          passphrase,
		RSH:                 v.GetString(prefix + "rsh"),
		ArchiveNameTemplate: v.GetString(prefix + "archive_name_template"),
		BaseDir:             v.GetString(prefix + "base_dir"),
		MountDir:            v.GetString(prefix + "mount_dir"),
		CreatePaths:         splitList(v.GetString(prefix + "create_paths")),
		CreateArgs:          splitList(v.GetString(prefix + "create_args")),
		PruneArgs:           splitList(v.GetString(prefix + "prune_args")),
		Schedule:            sched,
		RetryDelay:          retryDelay,
		RetryMax:            retryMax,
		Timeout:             v.GetDuration(prefix + "timeout"),
	}, nil
}

var hookNames = []string{
	"run_successful", "run_failed",
	"list_successful", "list_failed",
	"mount_successful", "mount_failed",
	"umount_successful", "umount_failed",
	"give_up",
}

func loadHooks(v *viper.Viper, section string) map[string]Hook {
	out := make(map[string]Hook)
	prefix := jobSectionPfx + section + ".hook_"
	for _, name := range hookNames {
		cmd := v.GetString(prefix + name)
		if cmd == "" {
			continue
		}
		out[name] = Hook{
			Argv:    splitList(cmd),
			Timeout: v.GetDuration(prefix + name + "_timeout"),
		}
	}
	return out
}

// BuildHookRunners turns a job's parsed Hook map into a job.Hooks bundle of
// live runners.
func BuildHookRunners(jobName string, hooks map[string]Hook, log hook.Logger, demote *hook.Demotion) job.Hooks {
	runner := func(name string) *hook.Runner {
		h, ok := hooks[name]
		if !ok {
			return nil
		}
		return hook.NewRunner(name, h.Argv, h.Timeout, log, demote)
	}
	return job.Hooks{
		RunSuccessful:    runner("run_successful"),
		RunFailed:        runner("run_failed"),
		ListSuccessful:   runner("list_successful"),
		ListFailed:       runner("list_failed"),
		MountSuccessful:  runner("mount_successful"),
		MountFailed:      runner("mount_failed"),
		UmountSuccessful: runner("umount_successful"),
		UmountFailed:     runner("umount_failed"),
		GiveUp:           runner("give_up"),
	}
}

// CheckDirs ensures the configured base/mount/log directories exist and are
// writable, creating them (mode 0700) if absent. Each check can be skipped
// individually, matching the reference loader's selective validation.
func CheckDirs(g General, checkBase, checkMount, checkLog bool) error {
	checks := []struct {
		enabled bool
		path    string
		label   string
	}{
		{checkBase, g.BaseDir, "base_dir"},
		{checkMount, g.MountDir, "mount_dir"},
		{checkLog, dirOf(g.LogPath), "log_path"},
	}
	for _, c := range checks {
		if !c.enabled || c.path == "" {
			continue
		}
		if err := ensureWritableDir(c.path); err != nil {
			return errors.Wrapf(err, "config: %s", c.label)
		}
	}
	return nil
}

func ensureWritableDir(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return err
	}
	probe := path + "/.bsrvd-write-check"
	f, err := os.Create(probe)
	if err != nil {
		return err
	}
	f.Close()
	return os.Remove(probe)
}

func dirOf(path string) string {
	if path == "" {
		return ""
	}
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return "."
	}
	return path[:idx]
}

func parseLogTarget(s string) logger.Target {
	switch strings.ToLower(s) {
	case "file":
		return logger.TargetFile
	default:
		return logger.TargetStdout
	}
}

func parseLogFormat(s string) logger.Format {
	switch strings.ToLower(s) {
	case "json":
		return logger.FormatJSON
	default:
		return logger.FormatText
	}
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	fields := strings.Split(s, ",")
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// splitJobKey reports whether key belongs to a "job.<name>.<leaf>" triple,
// returning name and leaf when it does.
func splitJobKey(key string) (section, leaf string, ok bool) {
	if !strings.HasPrefix(key, jobSectionPfx) {
		return "", "", false
	}
	rest := strings.TrimPrefix(key, jobSectionPfx)
	idx := strings.LastIndex(rest, ".")
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}
