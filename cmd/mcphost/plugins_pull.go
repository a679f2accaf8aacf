package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/reglet-dev/mcphost/internal/infrastructure/config"
	"github.com/reglet-dev/mcphost/internal/infrastructure/system"
)

func init() {
	pluginsCmd.AddCommand(newPluginsPullCmd())
}

func newPluginsPullCmd() *cobra.Command {
	var (
		name string
		skip bool
		pc   system.PluginConfig
	)

	cmd := &cobra.Command{
		Use:   "pull <location|plugin>",
		Short: "Fetch and verify a plugin into the cache",
		Long: `Resolve a plugin location, check its digest and signature, and store the
module in the local cache. The argument is either a location or the name of
a plugin from the config file, in which case its declaration is used.`,
		Example: `  mcphost plugins pull oci://ghcr.io/acme/clock:v1 --identity dev@acme.com --issuer https://github.com/login/oauth
  mcphost plugins pull ./clock.wasm --skip-verification
  mcphost plugins pull clock`,
		Args: cobra.ExactArgs(1),
		RunE: withContainer(func(ctx *CommandContext, _ *cobra.Command, args []string) error {
			sys := ctx.Container.SystemConfig()
			if configured, ok := sys.Plugins[args[0]]; ok {
				name, pc = args[0], configured
			} else {
				pc.Location = args[0]
			}
			pc.RuntimeConfig.SkipVerification = pc.RuntimeConfig.SkipVerification || skip

			decls, err := config.BuildDeclarations(&system.Config{
				Plugins:       map[string]system.PluginConfig{name: pc},
				SensitiveData: sys.SensitiveData,
			}, ctx.Container.SecretResolver())
			if err != nil {
				return err
			}

			artifact, err := ctx.Container.PluginService().Pull(ctx.Context, decls[0])
			if err != nil {
				return fmt.Errorf("failed to pull %s: %w", args[0], err)
			}

			signer := artifact.Signer
			if artifact.Skipped {
				signer = "verification skipped"
			}
			fmt.Printf("Pulled %s\n  digest: %s\n  size:   %s\n  signer: %s\n  path:   %s\n",
				artifact.Location, artifact.Digest, humanize.IBytes(uint64(artifact.Size)), signer, artifact.Path)
			return nil
		}),
	}

	flags := cmd.Flags()
	flags.StringVar(&name, "name", "pulled", "plugin name used in logs and errors")
	flags.StringVar(&pc.Digest, "digest", "", "expected sha256 digest of the module")
	flags.StringVar(&pc.Signature.Mode, "signature-mode", "", "signature mode: keyless or key")
	flags.StringVar(&pc.Signature.Identity, "identity", "", "expected keyless signer identity")
	flags.StringVar(&pc.Signature.Issuer, "issuer", "", "expected keyless OIDC issuer")
	flags.StringVar(&pc.Signature.PublicKey, "public-key", "", "public key file for key mode")
	flags.BoolVar(&skip, "skip-verification", false, "accept the module without a signature")

	return cmd
}
