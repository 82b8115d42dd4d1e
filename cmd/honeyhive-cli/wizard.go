package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/0tSystemsPublicRepos/honeyhive/internal/catalog"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/honeypot"
)

// Options holding one entry per line. The wizard takes them "|"-separated.
var multiLine = map[string]bool{
	"fake_files":       true,
	"fake_commands":    true,
	"interface_config": true,
	"fake_databases":   true,
	"database_names":   true,
	"table_schemas":    true,
	"user_accounts":    true,
	"motd":             true,
}

var choices = map[string][]string{
	"device_type":     {"cisco_switch", "cisco_router", "juniper_switch", "hp_switch"},
	"anonymous_login": {"true", "false"},
	"ssl_enabled":     {"false", "true"},
	"login_page":      {"true", "false"},
}

func validateIntRange(min, max int) promptui.ValidateFunc {
	return func(input string) error {
		val, err := strconv.Atoi(strings.TrimSpace(input))
		if err != nil {
			return errors.New("must be a valid number")
		}
		if val < min || val > max {
			return fmt.Errorf("value must be between %d and %d", min, max)
		}
		return nil
	}
}

func newConfig(cmd *cobra.Command, args []string) error {
	cfg, err := collectConfig()
	if err != nil {
		if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrAbort) {
			fmt.Println("Cancelled")
			return nil
		}
		return err
	}
	id, err := client.SaveConfig(cfg)
	if err != nil {
		return err
	}
	fmt.Printf("Saved %s. Start it with: honeyhive-cli start %s\n", id, id)
	return nil
}

func collectConfig() (honeypot.Config, error) {
	var cfg honeypot.Config

	types, err := client.Types()
	if err != nil {
		return cfg, err
	}
	typeSelect := promptui.Select{
		Label: "Honeypot type",
		Items: types,
		Size:  len(types),
		Templates: &promptui.SelectTemplates{
			Active:   `▸ {{ .ID | cyan }} ({{ .Name }})`,
			Inactive: `  {{ .ID }} ({{ .Name }})`,
			Selected: `Type: {{ .ID | green }}`,
			Details:  `{{ .Description }}`,
		},
	}
	idx, _, err := typeSelect.Run()
	if err != nil {
		return cfg, err
	}
	desc := types[idx]
	cfg.Type = desc.ID

	if cfg.Name, err = ask("Name", desc.Name, nil); err != nil {
		return cfg, err
	}
	port, err := ask("Port", strconv.Itoa(desc.DefaultPort), validateIntRange(1, 65535))
	if err != nil {
		return cfg, err
	}
	cfg.Port, _ = strconv.Atoi(strings.TrimSpace(port))

	maxConn, err := ask(fmt.Sprintf("Max connections (0 = default %d, -1 = unbounded)", desc.DefaultMaxConnections), "0", validateIntRange(-1, 100000))
	if err != nil {
		return cfg, err
	}
	cfg.MaxConnections, _ = strconv.Atoi(strings.TrimSpace(maxConn))

	if cfg.EnableLogging, err = confirm("Enable logging", true); err != nil {
		return cfg, err
	}
	if cfg.EnableRecording, err = confirm("Record raw sessions", false); err != nil {
		return cfg, err
	}
	if cfg.AlertWebhook, err = ask("Alert webhook URL (optional)", "", nil); err != nil {
		return cfg, err
	}
	if cfg.AlertEmail, err = ask("Alert email (optional)", "", nil); err != nil {
		return cfg, err
	}

	cfg.Options, err = collectOptions(desc)
	return cfg, err
}

func collectOptions(desc catalog.TypeDescriptor) (map[string]string, error) {
	opts := make(map[string]string)
	for _, field := range desc.ConfigurableFields {
		if field == "max_connections" {
			continue
		}
		if items, ok := choices[field]; ok {
			sel := promptui.Select{Label: field, Items: items}
			_, v, err := sel.Run()
			if err != nil {
				return nil, err
			}
			opts[field] = v
			continue
		}

		label := field + " (optional)"
		if multiLine[field] {
			label = field + " (optional, separate entries with |)"
		}
		v, err := ask(label, "", nil)
		if err != nil {
			return nil, err
		}
		if v = strings.TrimSpace(v); v == "" {
			continue
		}
		if multiLine[field] {
			v = strings.Join(strings.Split(v, "|"), "\n")
		}
		opts[field] = v
	}
	return opts, nil
}

func ask(label, def string, validate promptui.ValidateFunc) (string, error) {
	p := promptui.Prompt{
		Label:     label,
		Default:   def,
		AllowEdit: def != "",
		Validate:  validate,
	}
	return p.Run()
}

func confirm(label string, def bool) (bool, error) {
	d := "n"
	if def {
		d = "y"
	}
	p := promptui.Prompt{Label: label, IsConfirm: true, Default: d}
	_, err := p.Run()
	if err == nil {
		return true, nil
	}
	if errors.Is(err, promptui.ErrAbort) {
		return false, nil
	}
	return false, err
}
