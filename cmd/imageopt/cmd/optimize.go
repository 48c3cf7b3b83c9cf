package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aweris/imageopt"
	"github.com/aweris/imageopt/internal/backend"
	"github.com/aweris/imageopt/internal/config"
)

var optimizeCmd = &cobra.Command{
	Use:   "optimize <files...>",
	Short: "Optimize image files",
	Long: `Optimize image files in parallel.

Outputs are written under --out, keeping relative paths. Without --out,
optimized files replace their inputs. Results are cached by input content,
options and compressor version.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runOptimize,
}

func init() {
	rootCmd.AddCommand(optimizeCmd)

	f := optimizeCmd.Flags()
	f.StringP("out", "o", "", "output directory (default: overwrite inputs)")
	f.IntP("concurrency", "j", 0, "max parallel tasks (default: CPUs - 1)")
	f.Bool("no-cache", false, "disable the result cache")
	f.Bool("bail", false, "treat compression failures as errors")
	f.String("compressors", "", "YAML file with per-extension compressor options")
	f.StringSlice("ext", nil, "only process these extensions (e.g. .png,.jpg)")
	f.String("exec", "", "external optimizer command reading stdin and writing stdout")

	viper.BindPFlag("concurrency", f.Lookup("concurrency"))
	viper.BindPFlag("compressors", f.Lookup("compressors"))
}

func runOptimize(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := zerolog.Ctx(ctx)
	f := cmd.Flags()

	out, _ := f.GetString("out")
	noCache, _ := f.GetBool("no-cache")
	bail, _ := f.GetBool("bail")
	exts, _ := f.GetStringSlice("ext")
	execLine, _ := f.GetString("exec")

	opts := imageopt.Options{
		MaxConcurrency: viper.GetInt("concurrency"),
		Cache:          cacheSetting(noCache),
		Filter:         config.ExtensionFilter(exts),
		Bail:           bail,
		Backend:        newBackend(execLine),
	}

	if path := viper.GetString("compressors"); path != "" {
		compressors, err := config.Load(path)
		if err != nil {
			return err
		}
		opts.Resolver = compressors
	}

	tasks := make([]imageopt.Task, 0, len(args))
	for _, name := range args {
		data, err := os.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		tasks = append(tasks, imageopt.Task{Input: data, Filename: name})
	}

	outcomes, err := imageopt.Run(ctx, tasks, opts)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	for i := range outcomes {
		o := &outcomes[i]
		for _, warning := range o.Warnings {
			log.Warn().Err(warning).Str("file", o.Filename).Msg("kept original")
		}
		for _, failure := range o.Errors {
			fmt.Fprintf(cmd.ErrOrStderr(), "error: %s: %v\n", o.Filename, failure)
		}
		if !o.Optimized() {
			continue
		}

		dest := outputPath(out, o.Filename)
		if err := writeOutput(dest, o.Output); err != nil {
			return err
		}

		note := ""
		if o.Cached {
			note = " (cached)"
		}
		fmt.Fprintf(w, "%s: %s -> %s%s\n", o.Filename,
			formatBytes(int64(len(o.Input))), formatBytes(int64(len(o.Output))), note)
	}

	s := imageopt.Summarize(outcomes)
	fmt.Fprintf(w, "%d files: %d optimized (%d cached), %d skipped, %d kept, %d failed, saved %s\n",
		s.Total, s.Optimized, s.Cached, s.Filtered, s.Warned, s.Failed, formatBytes(s.Saved()))

	if imageopt.HasErrors(outcomes) {
		return errors.New("some files failed to optimize")
	}
	return nil
}

func newBackend(execLine string) imageopt.Backend {
	fields := strings.Fields(execLine)
	if len(fields) == 0 {
		return backend.NewRegistry()
	}
	return &backend.Exec{Path: fields[0], Args: fields[1:]}
}

// outputPath maps an input name into dir. Local relative paths keep their
// structure; anything else is flattened to its base name.
func outputPath(dir, name string) string {
	if dir == "" {
		return name
	}
	if filepath.IsLocal(name) {
		return filepath.Join(dir, name)
	}
	return filepath.Join(dir, filepath.Base(name))
}

func writeOutput(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
