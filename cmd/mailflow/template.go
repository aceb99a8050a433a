package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/zoptal/mailflow/internal/mailerr"
	"github.com/zoptal/mailflow/internal/store"
	"github.com/zoptal/mailflow/internal/template"
)

var (
	templateFile    string
	templateVars    []string
	templateOutFile string
)

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Template management commands",
}

var templateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all templates",
	RunE:  runTemplateList,
}

var templateShowCmd = &cobra.Command{
	Use:   "show <id|name>",
	Short: "Show template details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplateShow,
}

var templatePreviewCmd = &cobra.Command{
	Use:   "preview <id|name>",
	Short: "Preview a stored template with sample data",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplatePreview,
}

var templateRenderCmd = &cobra.Command{
	Use:   "render",
	Short: "Render a template file without touching storage",
	RunE:  runTemplateRender,
}

var templateImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a template from a YAML file",
	RunE:  runTemplateImport,
}

var templateExportCmd = &cobra.Command{
	Use:   "export <id|name>",
	Short: "Export a template to a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplateExport,
}

func init() {
	templatePreviewCmd.Flags().StringArrayVar(&templateVars, "var", nil, "Variable override as key=value (repeatable)")

	templateRenderCmd.Flags().StringVarP(&templateFile, "file", "f", "", "Template YAML file (required)")
	templateRenderCmd.Flags().StringArrayVar(&templateVars, "var", nil, "Variable as key=value (repeatable)")
	templateRenderCmd.MarkFlagRequired("file")

	templateImportCmd.Flags().StringVarP(&templateFile, "file", "f", "", "Template YAML file (required)")
	templateImportCmd.MarkFlagRequired("file")

	templateExportCmd.Flags().StringVarP(&templateOutFile, "output", "o", "", "Output file (default: <name>.yaml)")

	templateCmd.AddCommand(
		templateListCmd,
		templateShowCmd,
		templatePreviewCmd,
		templateRenderCmd,
		templateImportCmd,
		templateExportCmd,
	)
	rootCmd.AddCommand(templateCmd)
}

func getTemplateStorage() (*template.Storage, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open storage: %w", err)
	}

	storage, err := template.NewStorage(db)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create template storage: %w", err)
	}

	return storage, func() { db.Close() }, nil
}

// findTemplate looks a template up by ID, then by name
func findTemplate(cmd *cobra.Command, storage *template.Storage, ref string) (*template.Template, error) {
	tmpl, err := storage.Get(cmd.Context(), ref)
	if errors.Is(err, mailerr.ErrNotFound) {
		tmpl, err = storage.GetByName(cmd.Context(), ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	return tmpl, nil
}

func runTemplateList(cmd *cobra.Command, args []string) error {
	storage, cleanup, err := getTemplateStorage()
	if err != nil {
		return err
	}
	defer cleanup()

	templates, err := storage.List(cmd.Context(), template.ListFilter{})
	if err != nil {
		return fmt.Errorf("failed to list templates: %w", err)
	}

	if len(templates) == 0 {
		fmt.Println("No templates found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCATEGORY\tACTIVE\tVERSION\tUPDATED")
	for _, tmpl := range templates {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\t%s\n",
			tmpl.ID[:8],
			tmpl.Name,
			tmpl.Category,
			tmpl.Active,
			tmpl.Version,
			tmpl.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d templates\n", len(templates))
	return nil
}

func runTemplateShow(cmd *cobra.Command, args []string) error {
	storage, cleanup, err := getTemplateStorage()
	if err != nil {
		return err
	}
	defer cleanup()

	tmpl, err := findTemplate(cmd, storage, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("ID:          %s\n", tmpl.ID)
	fmt.Printf("Name:        %s\n", tmpl.Name)
	fmt.Printf("Description: %s\n", tmpl.Description)
	fmt.Printf("Category:    %s\n", tmpl.Category)
	fmt.Printf("Active:      %t\n", tmpl.Active)
	fmt.Printf("Version:     %d\n", tmpl.Version)
	fmt.Printf("Updated:     %s\n", tmpl.UpdatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("\nSubject:\n  %s\n", tmpl.Subject)

	if len(tmpl.Variables) > 0 {
		fmt.Printf("\nVariables:\n")
		for _, v := range tmpl.Variables {
			req := ""
			if v.Required {
				req = " (required)"
			}
			fmt.Printf("  - %s [%s]%s\n", v.Key, v.Type, req)
		}
	}

	if unused := undeclared(tmpl); len(unused) > 0 {
		fmt.Printf("\nUndeclared tokens: %s\n", strings.Join(unused, ", "))
	}
	return nil
}

func runTemplatePreview(cmd *cobra.Command, args []string) error {
	storage, cleanup, err := getTemplateStorage()
	if err != nil {
		return err
	}
	defer cleanup()

	tmpl, err := findTemplate(cmd, storage, args[0])
	if err != nil {
		return err
	}

	vars, err := parseVars(templateVars)
	if err != nil {
		return err
	}

	result, err := template.NewEngine(true).Preview(tmpl, vars)
	if err != nil {
		return fmt.Errorf("failed to render template: %w", err)
	}
	printResult(result)
	return nil
}

func runTemplateRender(cmd *cobra.Command, args []string) error {
	tmpl, err := loadTemplateFile(templateFile)
	if err != nil {
		return err
	}

	vars, err := parseVars(templateVars)
	if err != nil {
		return err
	}

	result, err := template.NewEngine(true).Render(tmpl, vars)
	if err != nil {
		return fmt.Errorf("failed to render template: %w", err)
	}
	printResult(result)
	return nil
}

func runTemplateImport(cmd *cobra.Command, args []string) error {
	tmpl, err := loadTemplateFile(templateFile)
	if err != nil {
		return err
	}

	storage, cleanup, err := getTemplateStorage()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := storage.Create(cmd.Context(), tmpl); err != nil {
		return fmt.Errorf("failed to import template: %w", err)
	}

	fmt.Printf("Template imported successfully\n")
	fmt.Printf("  ID:   %s\n", tmpl.ID)
	fmt.Printf("  Name: %s\n", tmpl.Name)
	return nil
}

func runTemplateExport(cmd *cobra.Command, args []string) error {
	storage, cleanup, err := getTemplateStorage()
	if err != nil {
		return err
	}
	defer cleanup()

	tmpl, err := findTemplate(cmd, storage, args[0])
	if err != nil {
		return err
	}

	out := templateOutFile
	if out == "" {
		out = tmpl.Name + ".yaml"
	}

	data, err := yaml.Marshal(tmpl)
	if err != nil {
		return fmt.Errorf("failed to encode template: %w", err)
	}
	if err := os.WriteFile(out, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", out, err)
	}

	fmt.Printf("Exported: %s\n", out)
	return nil
}

// loadTemplateFile reads and validates a template definition
func loadTemplateFile(path string) (*template.Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template file: %w", err)
	}

	var tmpl template.Template
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return nil, fmt.Errorf("failed to parse template file: %w", err)
	}
	if err := tmpl.Validate(); err != nil {
		return nil, err
	}
	return &tmpl, nil
}

// parseVars turns key=value pairs into render variables
func parseVars(pairs []string) (map[string]any, error) {
	vars := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid variable %q, expected key=value", pair)
		}
		vars[key] = value
	}
	return vars, nil
}

// undeclared lists tokens used by tmpl without a variable declaration
func undeclared(tmpl *template.Template) []string {
	declared := make(map[string]bool, len(tmpl.Variables))
	for _, v := range tmpl.Variables {
		declared[v.Key] = true
	}
	var out []string
	for _, key := range template.Tokens(tmpl) {
		if !declared[key] {
			out = append(out, key)
		}
	}
	return out
}

func printResult(result *template.RenderResult) {
	fmt.Printf("Subject:\n  %s\n\n", result.Subject)

	if result.Text != "" {
		fmt.Printf("Text:\n")
		for _, line := range strings.Split(result.Text, "\n") {
			fmt.Printf("  %s\n", line)
		}
		fmt.Println()
	}

	if result.HTML != "" {
		fmt.Printf("HTML:\n")
		for _, line := range strings.Split(result.HTML, "\n") {
			fmt.Printf("  %s\n", line)
		}
	}
}
