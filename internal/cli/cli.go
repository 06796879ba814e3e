// Package cli wires command-line flags and environment variables for the
// logweave commands.
package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Opt is a single command-line option.
type Opt struct {
	DestP   any // pointer to the destination
	Flag    string
	Default any
	Desc    string
}

// Program parses CLI options.
type Program struct {
	// Run is invoked by cobra on execute.
	Run func() error
	// Name is the name of the program in help usage and the env var prefix.
	Name string
	// Opts are the command line/env var options to the program.
	Opts []Opt
}

// NewCommand creates a cobra command that also reads its options from the
// environment. Variables are named after the flag, upper-cased, with "-"
// replaced by "_" and the program name as prefix: --http-bind-address of
// "logweave-coordinator" is LOGWEAVE_COORDINATOR_HTTP_BIND_ADDRESS.
//
// Precedence is flag, then environment, then default.
func NewCommand(v *viper.Viper, p *Program) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:          p.Name,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			return p.Run()
		},
	}

	v.SetEnvPrefix(strings.ReplaceAll(strings.ToUpper(p.Name), "-", "_"))
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if err := BindOptions(v, cmd, p.Opts); err != nil {
		return nil, err
	}
	return cmd, nil
}

// BindOptions adds opts to cmd and registers them with v. Destinations are
// filled from the environment right away; flags given on the command line
// overwrite them when cobra parses.
func BindOptions(v *viper.Viper, cmd *cobra.Command, opts []Opt) error {
	for _, o := range opts {
		flags := cmd.Flags()
		switch destP := o.DestP.(type) {
		case *string:
			var d string
			if o.Default != nil {
				d = o.Default.(string)
			}
			flags.StringVar(destP, o.Flag, d, o.Desc)
			if err := bind(v, flags, o.Flag); err != nil {
				return err
			}
			*destP = v.GetString(o.Flag)
		case *int:
			var d int
			if o.Default != nil {
				d = o.Default.(int)
			}
			flags.IntVar(destP, o.Flag, d, o.Desc)
			if err := bind(v, flags, o.Flag); err != nil {
				return err
			}
			*destP = v.GetInt(o.Flag)
		case *bool:
			var d bool
			if o.Default != nil {
				d = o.Default.(bool)
			}
			flags.BoolVar(destP, o.Flag, d, o.Desc)
			if err := bind(v, flags, o.Flag); err != nil {
				return err
			}
			*destP = v.GetBool(o.Flag)
		case *time.Duration:
			var d time.Duration
			if o.Default != nil {
				d = o.Default.(time.Duration)
			}
			flags.DurationVar(destP, o.Flag, d, o.Desc)
			if err := bind(v, flags, o.Flag); err != nil {
				return err
			}
			*destP = v.GetDuration(o.Flag)
		case *zapcore.Level:
			var d zapcore.Level
			if o.Default != nil {
				d = o.Default.(zapcore.Level)
			}
			flags.Var(newLevelValue(d, destP), o.Flag, o.Desc)
			if err := bind(v, flags, o.Flag); err != nil {
				return err
			}
			if s := v.GetString(o.Flag); s != "" {
				if err := destP.Set(s); err != nil {
					return fmt.Errorf("invalid value %q for %s: %w", s, o.Flag, err)
				}
			}
		default:
			return fmt.Errorf("unknown destination type %T for option %s", o.DestP, o.Flag)
		}
	}
	return nil
}

func bind(v *viper.Viper, flags *pflag.FlagSet, key string) error {
	return v.BindPFlag(key, flags.Lookup(key))
}

type levelValue zapcore.Level

func newLevelValue(val zapcore.Level, p *zapcore.Level) *levelValue {
	*p = val
	return (*levelValue)(p)
}

func (l *levelValue) String() string { return zapcore.Level(*l).String() }

func (l *levelValue) Set(s string) error {
	var level zapcore.Level
	if err := level.Set(s); err != nil {
		return fmt.Errorf("unknown log level; supported levels are debug, info, warn, error")
	}
	*l = levelValue(level)
	return nil
}

func (l *levelValue) Type() string { return "Log-Level" }
