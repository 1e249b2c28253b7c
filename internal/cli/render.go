package cli

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/bcnelson/stack-provisioner/internal/domain"
	"github.com/bcnelson/stack-provisioner/internal/render"
	"github.com/bcnelson/stack-provisioner/internal/validation"
)

// newRenderCommand prints the descriptor a deploy would send to the platform.
func newRenderCommand() *cobra.Command {
	var (
		req     domain.DeployRequest
		envFile string
		limits  domain.ResourceLimits
	)

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render a stack template to stdout without deploying it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _ := fromContext(cmd.Context())

			renderer, err := render.New(cfg.Provisioner)
			if err != nil {
				return err
			}

			if envFile != "" {
				vars, err := godotenv.Read(envFile)
				if err != nil {
					return fmt.Errorf("reading env file %q: %w", envFile, err)
				}
				req.EnvVars = vars
			}
			if !limits.IsZero() {
				req.ResourceLimits = &limits
			}
			if req.TenantID == "" {
				req.TenantID = "render"
			}

			if err := validation.ValidateDeployRequest(&req, renderer); err != nil {
				return err
			}

			desc, err := renderer.Render(domain.RenderRequest{
				Template:       req.Template,
				Name:           req.Name,
				Domain:         req.Domain,
				Config:         req.EnvVars,
				ResourceLimits: req.ResourceLimits,
			})
			if err != nil {
				return err
			}

			_, err = fmt.Fprint(cmd.OutOrStdout(), desc.Compose)
			return err
		},
	}

	cmd.Flags().StringVarP(&req.Template, "template", "t", "", "Template id")
	cmd.Flags().StringVarP(&req.Name, "name", "n", "", "Stack name")
	cmd.Flags().StringVar(&req.Domain, "domain", "", "Custom hostname (derived from the name when empty)")
	cmd.Flags().StringVar(&envFile, "env-file", "", "Dotenv file with the stack configuration")
	cmd.Flags().StringVar(&limits.CPUs, "cpus", "", "CPU limit")
	cmd.Flags().StringVar(&limits.Memory, "memory", "", "Memory limit")
	_ = cmd.MarkFlagRequired("template")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}
