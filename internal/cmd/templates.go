package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

var (
	templatesFile  string
	templatesActor string
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Manage workflow templates",
}

var templatesApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Install or update templates from a YAML file",
	Long: `apply upserts every template in the file by code. A file holds one
template per YAML document, or a document with a top-level "templates" list.
Applying the same file twice changes nothing but updated_at.`,
	RunE: runTemplatesApply,
}

var templatesStatusCmd = &cobra.Command{
	Use:   "status CODE active|inactive",
	Short: "Activate or deactivate a template",
	Args:  cobra.ExactArgs(2),
	RunE:  runTemplatesStatus,
}

func init() {
	rootCmd.AddCommand(templatesCmd)
	templatesCmd.AddCommand(templatesApplyCmd)
	templatesCmd.AddCommand(templatesStatusCmd)

	templatesApplyCmd.Flags().StringVarP(&templatesFile, "file", "f", "", "template YAML file")
	templatesApplyCmd.Flags().StringVar(&templatesActor, "as", "system", "user recorded as the template creator")
	_ = templatesApplyCmd.MarkFlagRequired("file")
}

func runTemplatesApply(cmd *cobra.Command, args []string) error {
	f, err := os.Open(templatesFile)
	if err != nil {
		return err
	}
	defer f.Close()

	configs, err := parseTemplates(f)
	if err != nil {
		return fmt.Errorf("%s: %w", templatesFile, err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	return applyTemplates(cmd.Context(), a.templates, configs, templatesActor, cmd.OutOrStdout())
}

func runTemplatesStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	tmpl, err := a.templates.SetTemplateStatus(cmd.Context(), args[0], repository.TemplateStatus(args[1]))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", tmpl.Code, tmpl.Status)
	return nil
}

// parseTemplates reads every template from a YAML stream.
func parseTemplates(r io.Reader) ([]service.TemplateConfig, error) {
	var out []service.TemplateConfig
	dec := yaml.NewDecoder(r)
	for {
		var doc yaml.Node
		if err := dec.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}

		var list struct {
			Templates []service.TemplateConfig `yaml:"templates"`
		}
		if err := doc.Decode(&list); err != nil {
			return nil, err
		}
		if len(list.Templates) > 0 {
			out = append(out, list.Templates...)
			continue
		}

		var one service.TemplateConfig
		if err := doc.Decode(&one); err != nil {
			return nil, err
		}
		if one.Code != "" || len(one.Nodes) > 0 {
			out = append(out, one)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no templates found")
	}
	return out, nil
}

func applyTemplates(ctx context.Context, templates *service.TemplateService, configs []service.TemplateConfig, actor string, w io.Writer) error {
	for _, c := range configs {
		tmpl, err := templates.UpsertTemplate(ctx, c, actor)
		if err != nil {
			return fmt.Errorf("template %s: %w", c.Code, err)
		}
		fmt.Fprintf(w, "%s applied (%d nodes, %s)\n", tmpl.Code, len(tmpl.Nodes), tmpl.Status)
	}
	return nil
}
