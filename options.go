package main

import (
	"fmt"
	"strconv"
	"time"

	cli "github.com/jawher/mow.cli"
	log "github.com/sirupsen/logrus"

	"github.com/bilbercode/camlink/internal/config"
)

// optionSource is implemented by both *cli.Cli and *cli.Cmd.
type optionSource interface {
	String(cli.StringParam) *string
	Int(cli.IntParam) *int
	Strings(cli.StringsParam) *[]string
}

// overrideSet applies the options the user set over the loaded configuration
// file. Options left at their defaults never replace file values.
type overrideSet []func(*config.Config) error

func (o *overrideSet) child() *overrideSet {
	c := append(overrideSet(nil), *o...)
	return &c
}

func (o *overrideSet) stringOpt(src optionSource, name, env, desc, value string, apply func(*config.Config, string)) {
	var set bool
	v := src.String(cli.StringOpt{Name: name, Desc: desc, EnvVar: env, Value: value, SetByUser: &set})
	*o = append(*o, func(c *config.Config) error {
		if set {
			apply(c, *v)
		}
		return nil
	})
}

func (o *overrideSet) intOpt(src optionSource, name, env, desc string, value int, apply func(*config.Config, int)) {
	var set bool
	v := src.Int(cli.IntOpt{Name: name, Desc: desc, EnvVar: env, Value: value, SetByUser: &set})
	*o = append(*o, func(c *config.Config) error {
		if set {
			apply(c, *v)
		}
		return nil
	})
}

func (o *overrideSet) stringsOpt(src optionSource, name, env, desc string, apply func(*config.Config, []string)) {
	var set bool
	v := src.Strings(cli.StringsOpt{Name: name, Desc: desc, EnvVar: env, SetByUser: &set})
	*o = append(*o, func(c *config.Config) error {
		if set {
			apply(c, *v)
		}
		return nil
	})
}

func (o *overrideSet) floatOpt(src optionSource, name, env, desc string, value float64, apply func(*config.Config, float64)) {
	var set bool
	v := src.String(cli.StringOpt{Name: name, Desc: desc, EnvVar: env, Value: strconv.FormatFloat(value, 'g', -1, 64), SetByUser: &set})
	*o = append(*o, func(c *config.Config) error {
		if !set {
			return nil
		}
		f, err := strconv.ParseFloat(*v, 64)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, *v, err)
		}
		apply(c, f)
		return nil
	})
}

func (o *overrideSet) durationOpt(src optionSource, name, env, desc string, value time.Duration, apply func(*config.Config, time.Duration)) {
	var set bool
	v := src.String(cli.StringOpt{Name: name, Desc: desc, EnvVar: env, Value: value.String(), SetByUser: &set})
	*o = append(*o, func(c *config.Config) error {
		if !set {
			return nil
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, *v, err)
		}
		apply(c, d)
		return nil
	})
}

// load reads the configuration file and applies the overrides.
func (o *overrideSet) load(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	for _, apply := range *o {
		if err := apply(cfg); err != nil {
			log.WithError(err).Fatal("invalid option")
		}
	}
	return cfg
}
