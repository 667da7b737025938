// Command promptctl converts and checks sectioned prompt templates offline,
// using the same converter as the console's prompt endpoints.
//
//	promptctl validate --require persona,instructions templates/support.yaml
//	promptctl parse --variant default templates/support.yaml
//	promptctl serialize structured.json
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/pitabwire/aiconsole/internal/prompttemplate"
	"github.com/pitabwire/aiconsole/model"
)

// errConversionFailed makes the process exit non-zero after the result has
// been printed.
var errConversionFailed = errors.New("conversion failed")

func main() {
	if err := newRootCmd(os.Stdin, os.Stdout).Execute(); err != nil {
		if !errors.Is(err, errConversionFailed) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

type cli struct {
	in      io.Reader
	out     io.Writer
	logger  *zap.Logger
	verbose bool
	require []string
	variant string
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	c := &cli{in: in, out: out, logger: zap.NewNop()}

	root := &cobra.Command{
		Use:           "promptctl",
		Short:         "Parse, serialize and validate sectioned prompt templates",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if !c.verbose {
				return nil
			}
			zc := zap.NewDevelopmentConfig()
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
			zc.OutputPaths = []string{"stderr"}
			logger, err := zc.Build()
			if err != nil {
				return err
			}
			c.logger = logger
			return nil
		},
	}
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "log conversion details to stderr")
	root.PersistentFlags().StringSliceVar(&c.require, "require", nil, "sections whose start marker must be present")

	parse := &cobra.Command{
		Use:   "parse [template-file]",
		Short: "Split one variant of a template into sections",
		Args:  cobra.MaximumNArgs(1),
		RunE:  c.runParse,
	}
	parse.Flags().StringVar(&c.variant, "variant", "default", "variant to parse")

	root.AddCommand(
		parse,
		&cobra.Command{
			Use:   "serialize [structured-file]",
			Short: "Render a structured variant back to marker-delimited text",
			Args:  cobra.MaximumNArgs(1),
			RunE:  c.runSerialize,
		},
		&cobra.Command{
			Use:   "validate [template-file]",
			Short: "Parse every variant of a template and report problems",
			Args:  cobra.MaximumNArgs(1),
			RunE:  c.runValidate,
		},
	)
	return root
}

func (c *cli) options() (prompttemplate.Options, error) {
	var opts prompttemplate.Options
	for _, name := range c.require {
		s := model.PromptSection(name)
		if !s.Valid() {
			return opts, fmt.Errorf("unknown section %q", name)
		}
		opts.Required = append(opts.Required, s)
	}
	return opts, nil
}

// input reads the named file, or stdin when no file is given.
func (c *cli) input(args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(c.in)
	}
	return os.ReadFile(args[0])
}

// readTemplate accepts YAML or JSON.
func (c *cli) readTemplate(args []string) (*model.PromptTemplate, error) {
	data, err := c.input(args)
	if err != nil {
		return nil, err
	}
	var tmpl model.PromptTemplate
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return nil, fmt.Errorf("decode template: %w", err)
	}
	c.logger.Debug("template loaded",
		zap.String("system_name", tmpl.SystemName),
		zap.String("format", tmpl.Format),
		zap.Int("variants", len(tmpl.Variants)),
	)
	return &tmpl, nil
}

func (c *cli) runParse(_ *cobra.Command, args []string) error {
	opts, err := c.options()
	if err != nil {
		return err
	}
	tmpl, err := c.readTemplate(args)
	if err != nil {
		return err
	}
	res := prompttemplate.ConvertTemplate(tmpl, c.variant, opts)
	return c.print(res, res.Success, len(res.Errors))
}

func (c *cli) runSerialize(_ *cobra.Command, args []string) error {
	data, err := c.input(args)
	if err != nil {
		return err
	}
	var sv model.StructuredVariant
	if err := json.Unmarshal(data, &sv); err != nil {
		return fmt.Errorf("decode structured variant: %w", err)
	}
	res := prompttemplate.Serialize(sv)
	return c.print(res, res.Success, len(res.Errors))
}

func (c *cli) runValidate(_ *cobra.Command, args []string) error {
	opts, err := c.options()
	if err != nil {
		return err
	}
	tmpl, err := c.readTemplate(args)
	if err != nil {
		return err
	}
	res := prompttemplate.ValidateTemplate(tmpl, opts)
	return c.print(res, res.Success, len(res.Errors))
}

func (c *cli) print(res any, success bool, errCount int) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if !success {
		c.logger.Debug("conversion failed", zap.Int("errors", errCount))
		return errConversionFailed
	}
	return nil
}
