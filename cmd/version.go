package cmd

import (
	"runtime/debug"

	"github.com/spf13/cobra"
)

const shortVersionFlagName = "short"

// buildRevision returns the VCS revision recorded by the Go toolchain, with a
// "-dirty" suffix when the tree had local modifications.
func buildRevision(info *debug.BuildInfo) string {
	var revision string

	modified := false

	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			modified = setting.Value == "true"
		}
	}

	if revision != "" && modified {
		revision += "-dirty"
	}

	return revision
}

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show the version information",
		Long:  "Displays the mutexec build version, VCS revision and Go version.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			short, err := cmd.Flags().GetBool(shortVersionFlagName)
			if err != nil {
				return err
			}

			info, ok := debug.ReadBuildInfo()
			if !ok || info.Main.Version == "" {
				cmd.Println("mutexec version: unknown")
				return nil
			}

			if short {
				cmd.Println(info.Main.Version)
				return nil
			}

			cmd.Println("mutexec version\t", info.Main.Version)

			if revision := buildRevision(info); revision != "" {
				cmd.Println("revision\t", revision)
			}

			cmd.Println("go version\t", info.GoVersion)

			return nil
		},
	}

	cmd.Flags().Bool(shortVersionFlagName, false, "print only the version string")

	return cmd
}

// versionCmd represents the version command.
var versionCmd = newVersionCmd()

func init() {
	rootCmd.AddCommand(versionCmd)
}
