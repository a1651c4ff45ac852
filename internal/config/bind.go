// Package config implements ARCA_-prefixed configuration loading for
// the three service entrypoints (cmd/core, cmd/staging,
// cmd/storageprovider), following the teacher's pkg/cfgstruct/pkg/process
// convention: a plain config struct tagged with `default:"..."`,
// reflectively bound to both a cobra command's flag set and viper's
// environment resolution. Only bind_test.go/exec_conf_test.go survived
// retrieval for that teacher package, so Bind/Exec/SaveConfig below are
// built to match those tests' visible behavior rather than adapted
// non-test source.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is this module's environment-variable prefix, standing in
// for the teacher's STORJ_ prefix.
const EnvPrefix = "ARCA"

// Bind walks config's fields (a pointer to a struct) and registers one
// flag per leaf field on cmd's flag set, named by the dash-joined path
// of field names (e.g. Struct.AnotherString -> --struct.another-string).
// A field's `default` struct tag supplies its zero value; nested
// structs and arrays of structs recurse. Fields tagged `hidden:"true"`
// are registered but excluded from SaveConfig's output.
func Bind(cmd *cobra.Command, config interface{}) {
	v := reflect.ValueOf(config)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		panic("config.Bind: config must be a pointer to a struct")
	}
	bindStruct(cmd.Flags(), v.Elem(), nil)
}

func bindStruct(flags *pflag.FlagSet, v reflect.Value, path []string) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" { // unexported
			continue
		}
		fv := v.Field(i)
		fieldPath := append(append([]string{}, path...), dashCase(field.Name))

		switch fv.Kind() {
		case reflect.Struct:
			bindStruct(flags, fv, fieldPath)
			continue
		case reflect.Array, reflect.Slice:
			for idx := 0; idx < fv.Len(); idx++ {
				elemPath := append(append([]string{}, fieldPath...), fmt.Sprintf("%02d", idx))
				elem := fv.Index(idx)
				if elem.Kind() == reflect.Struct {
					bindStruct(flags, elem, elemPath)
				}
			}
			continue
		}

		name := strings.Join(fieldPath, ".")
		def := field.Tag.Get("default")
		usage := field.Tag.Get("usage")
		bindLeaf(flags, fv, name, def, usage)
		if field.Tag.Get("hidden") == "true" {
			_ = flags.MarkHidden(name)
		}
	}
}

func bindLeaf(flags *pflag.FlagSet, fv reflect.Value, name, def, usage string) {
	switch fv.Kind() {
	case reflect.String:
		flags.StringVar(fv.Addr().Interface().(*string), name, def, usage)
	case reflect.Bool:
		b, _ := strconv.ParseBool(orZero(def, "false"))
		flags.BoolVar(fv.Addr().Interface().(*bool), name, b, usage)
	case reflect.Int:
		n, _ := strconv.Atoi(orZero(def, "0"))
		flags.IntVar(fv.Addr().Interface().(*int), name, n, usage)
	case reflect.Int64:
		if fv.Type() == reflect.TypeOf(time.Duration(0)) {
			d, _ := time.ParseDuration(orZero(def, "0s"))
			flags.DurationVar(fv.Addr().Interface().(*time.Duration), name, d, usage)
			return
		}
		n, _ := strconv.ParseInt(orZero(def, "0"), 10, 64)
		flags.Int64Var(fv.Addr().Interface().(*int64), name, n, usage)
	case reflect.Uint:
		n, _ := strconv.ParseUint(orZero(def, "0"), 10, 64)
		flags.UintVar(fv.Addr().Interface().(*uint), name, uint(n), usage)
	case reflect.Uint64:
		n, _ := strconv.ParseUint(orZero(def, "0"), 10, 64)
		flags.Uint64Var(fv.Addr().Interface().(*uint64), name, n, usage)
	case reflect.Float64:
		f, _ := strconv.ParseFloat(orZero(def, "0"), 64)
		flags.Float64Var(fv.Addr().Interface().(*float64), name, f, usage)
	default:
		panic(fmt.Sprintf("config.Bind: unsupported field kind %s for %q", fv.Kind(), name))
	}
}

func orZero(s, zero string) string {
	if s == "" {
		return zero
	}
	return s
}

// dashCase turns an exported Go field name into a dashed flag segment,
// e.g. "ListenAddr" -> "listen-addr".
func dashCase(name string) string {
	var b strings.Builder
	for i, r := range name {
		if i > 0 && r >= 'A' && r <= 'Z' {
			b.WriteByte('-')
		}
		b.WriteRune(r)
	}
	return strings.ToLower(b.String())
}

// Exec wires viper's environment resolution (EnvPrefix_FIELD_PATH,
// dashes folded to underscores) over cmd's already-bound flags, then
// invokes cmd's RunE directly. It deliberately does not call
// cmd.Execute — argument parsing is main's job (a real binary's
// rootCmd.Execute() against os.Args); Exec only overlays the
// environment on top of whatever flags are already set and runs the
// command body. Flags already marked Changed (set explicitly, by
// command-line parsing or otherwise) take precedence over the
// environment.
func Exec(cmd *cobra.Command) error {
	if err := OverlayEnv(cmd); err != nil {
		return err
	}

	if cmd.RunE != nil {
		return cmd.RunE(cmd, nil)
	}
	if cmd.Run != nil {
		cmd.Run(cmd, nil)
	}
	return nil
}

// OverlayEnv applies EnvPrefix_-prefixed environment variables over
// cmd's already-bound, already-parsed flags, leaving any flag the
// caller set explicitly untouched. A real binary's main calls
// cmd.Execute() to both parse os.Args and run the command; it wires
// this as a PersistentPreRunE so the overlay still runs, once, between
// cobra's flag parsing and the command body — without the second
// RunE invocation Exec's test-oriented shortcut above would cause if
// reused there directly.
func OverlayEnv(cmd *cobra.Command) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if bindErr != nil || f.Changed {
			return
		}
		if !v.IsSet(f.Name) {
			return
		}
		bindErr = f.Value.Set(v.GetString(f.Name))
	})
	return bindErr
}

// SaveConfig writes cmd's current flag values to path as a commented
// YAML file, one `# name: value` line per non-hidden flag — mirroring
// the teacher's generated-config-file convention.
func SaveConfig(cmd *cobra.Command, path string) error {
	var lines []string
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Hidden {
			return
		}
		lines = append(lines, fmt.Sprintf("# %s: %s", f.Name, f.Value.String()))
	})
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644)
}
