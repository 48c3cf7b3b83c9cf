package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aweris/imageopt"
	"github.com/aweris/imageopt/internal/remote"
	"github.com/aweris/imageopt/internal/store"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and share the result cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache size",
	Args:  cobra.NoArgs,
	RunE:  runCacheStats,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cache entry",
	Args:  cobra.NoArgs,
	RunE:  runCacheClear,
}

var cachePushCmd = &cobra.Command{
	Use:   "push <ref>",
	Short: "Push the cache to an OCI registry",
	Args:  cobra.ExactArgs(1),
	RunE:  runCachePush,
}

var cachePullCmd = &cobra.Command{
	Use:   "pull <ref>",
	Short: "Pull a cache from an OCI registry and merge it locally",
	Args:  cobra.ExactArgs(1),
	RunE:  runCachePull,
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheStatsCmd, cacheClearCmd, cachePushCmd, cachePullCmd)

	for _, c := range []*cobra.Command{cachePushCmd, cachePullCmd} {
		c.Flags().String("username", "", "registry username (default: docker keychain)")
		c.Flags().String("password", "", "registry password")
	}
	viper.BindEnv("registry_username", "IMAGEOPT_REGISTRY_USERNAME")
	viper.BindEnv("registry_password", "IMAGEOPT_REGISTRY_PASSWORD")
}

func openCache() (*store.LocalStore, error) {
	dir := imageopt.ResolveCacheDir(cacheSetting(false))
	s, err := store.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", dir, err)
	}
	return s, nil
}

func runCacheStats(cmd *cobra.Command, _ []string) (err error) {
	s, err := openCache()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	stats, err := s.Stats()
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "dir:     %s\n", s.Dir())
	fmt.Fprintf(w, "entries: %d\n", stats.Entries)
	fmt.Fprintf(w, "blobs:   %d (%s)\n", stats.Blobs, formatBytes(stats.ContentBytes))
	return nil
}

func runCacheClear(cmd *cobra.Command, _ []string) (err error) {
	s, err := openCache()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err := s.Clear(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", s.Dir())
	return nil
}

func runCachePush(cmd *cobra.Command, args []string) (err error) {
	r, err := newRemote(cmd, args[0])
	if err != nil {
		return err
	}
	s, err := openCache()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	objects, err := s.Export()
	if err != nil {
		return err
	}
	if err := r.Push(cmd.Context(), objects); err != nil {
		return fmt.Errorf("push failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "pushed %d objects to %s\n", len(objects), r)
	return nil
}

func runCachePull(cmd *cobra.Command, args []string) (err error) {
	r, err := newRemote(cmd, args[0])
	if err != nil {
		return err
	}
	s, err := openCache()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	objects, err := r.Pull(cmd.Context())
	if err != nil {
		return fmt.Errorf("pull failed: %w", err)
	}
	written, err := s.Import(objects)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "pulled %d objects from %s (%d files written)\n", len(objects), r, written)
	return nil
}

func newRemote(cmd *cobra.Command, ref string) (*remote.OCIRemote, error) {
	username, _ := cmd.Flags().GetString("username")
	password, _ := cmd.Flags().GetString("password")
	if username == "" {
		username = viper.GetString("registry_username")
		password = viper.GetString("registry_password")
	}

	var auth remote.Authenticator = remote.KeychainAuthenticator{}
	if username != "" {
		auth = remote.StaticAuthenticator{Username: username, Password: password}
	}

	r, err := remote.NewOCIRemote(ref, auth)
	if err != nil {
		return nil, err
	}
	if n := viper.GetInt("concurrency"); n > 0 {
		r.SetConcurrency(n)
	}
	return r, nil
}
