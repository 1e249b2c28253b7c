package validation

import (
	"errors"
	"strings"
	"testing"

	"github.com/bcnelson/stack-provisioner/internal/domain"
)

func TestValidateStackName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid simple", "bot", false},
		{"valid with digits", "acme-bot-01", false},
		{"valid only digits", "123", false},
		{"valid hyphen edges", "-bot-", false},
		{"valid max length", strings.Repeat("a", 63), false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 64), true},
		{"uppercase", "AcmeBot", true},
		{"underscore", "acme_bot", true},
		{"dot", "acme.bot", true},
		{"space", "acme bot", true},
		{"unicode", "bötli", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStackName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateStackName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateTenantID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid", "acme", false},
		{"valid record id", "k3h2j1l0mn9bq8w", false},
		{"valid underscore", "acme_corp-2", false},
		{"empty", "", true},
		{"slash", "acme/evil", true},
		{"too long", strings.Repeat("t", 65), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTenantID(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTenantID(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateDomain(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"empty allowed", "", false},
		{"valid", "bot.example.com", false},
		{"valid hyphen", "my-bot.agents.example.com", false},
		{"single label", "localhost", true},
		{"empty label", "bot..example.com", true},
		{"leading hyphen", "-bot.example.com", true},
		{"trailing hyphen", "bot-.example.com", true},
		{"uppercase", "Bot.example.com", true},
		{"scheme", "https://bot.example.com", true},
		{"port", "bot.example.com:443", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDomain(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateDomain(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateEnvKey(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"upper", "OPENAI_API_KEY", false},
		{"leading underscore", "_PRIVATE", false},
		{"mixed", "agentName2", false},
		{"empty", "", true},
		{"leading digit", "1KEY", true},
		{"hyphen", "MY-KEY", true},
		{"equals", "KEY=VALUE", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEnvKey(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateEnvKey(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateResourceLimits(t *testing.T) {
	tests := []struct {
		name   string
		limits *domain.ResourceLimits
		errs   int
	}{
		{"nil", nil, 0},
		{"empty", &domain.ResourceLimits{}, 0},
		{"valid", &domain.ResourceLimits{CPUs: "0.5", Memory: "512m"}, 0},
		{"valid upper suffix", &domain.ResourceLimits{Memory: "2G"}, 0},
		{"valid bytes", &domain.ResourceLimits{Memory: "1048576"}, 0},
		{"negative cpus", &domain.ResourceLimits{CPUs: "-1"}, 1},
		{"bad cpus", &domain.ResourceLimits{CPUs: "lots"}, 1},
		{"nan cpus", &domain.ResourceLimits{CPUs: "NaN"}, 1},
		{"infinite cpus", &domain.ResourceLimits{CPUs: "Inf"}, 1},
		{"negative infinite cpus", &domain.ResourceLimits{CPUs: "-Inf"}, 1},
		{"bad memory", &domain.ResourceLimits{Memory: "512mb"}, 1},
		{"zero memory", &domain.ResourceLimits{Memory: "0m"}, 1},
		{"both bad", &domain.ResourceLimits{CPUs: "0", Memory: "x"}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := ValidateResourceLimits(tt.limits)
			if len(errs) != tt.errs {
				t.Errorf("Expected %d errors, got %d: %v", tt.errs, len(errs), errs)
			}
		})
	}
}

type templateSet map[string]bool

func (s templateSet) Has(id string) bool { return s[id] }

func TestValidateDeployRequest(t *testing.T) {
	templates := templateSet{"lightweight-bot": true}

	valid := func() *domain.DeployRequest {
		return &domain.DeployRequest{
			TenantID: "acme",
			Template: "lightweight-bot",
			Name:     "acme-bot-01",
			EnvVars:  map[string]string{"TELEGRAM_BOT_TOKEN": "t"},
		}
	}

	tests := []struct {
		name     string
		mutate   func(r *domain.DeployRequest)
		sentinel error
		field    string
	}{
		{"valid", func(r *domain.DeployRequest) {}, nil, ""},
		{"bad name", func(r *domain.DeployRequest) { r.Name = "Acme_Bot" }, domain.ErrInvalidName, "name"},
		{"unknown template", func(r *domain.DeployRequest) { r.Template = "nope" }, domain.ErrUnknownTemplate, "template"},
		{"empty template", func(r *domain.DeployRequest) { r.Template = "" }, domain.ErrUnknownTemplate, "template"},
		{"missing tenant", func(r *domain.DeployRequest) { r.TenantID = "" }, domain.ErrInvalidInput, "tenant_id"},
		{"bad domain", func(r *domain.DeployRequest) { r.Domain = "nodots" }, domain.ErrInvalidInput, "domain"},
		{"bad env key", func(r *domain.DeployRequest) { r.EnvVars["BAD-KEY"] = "v" }, domain.ErrInvalidInput, "env_vars.BAD-KEY"},
		{"bad limits", func(r *domain.DeployRequest) {
			r.ResourceLimits = &domain.ResourceLimits{CPUs: "many"}
		}, domain.ErrInvalidInput, "resource_limits.cpus"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid()
			tt.mutate(req)
			err := ValidateDeployRequest(req, templates)
			if tt.sentinel == nil {
				if err != nil {
					t.Fatalf("Expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.sentinel) {
				t.Fatalf("Expected %v, got %v", tt.sentinel, err)
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Expected ValidationError, got %T", err)
			}
			if ve.Field != tt.field {
				t.Errorf("Expected field %q, got %q", tt.field, ve.Field)
			}
		})
	}
}

func TestValidationErrorsMessage(t *testing.T) {
	var errs ValidationErrors
	if errs.Err() != nil {
		t.Fatal("Expected nil error for empty collection")
	}
	errs.Add("name", "X", "bad", domain.ErrInvalidName)
	errs.Add("domain", "y", "bad", domain.ErrInvalidInput)

	if got := errs.Error(); got != "name: bad (and 1 more errors)" {
		t.Errorf("Unexpected message %q", got)
	}
	if !errors.Is(errs.Err(), domain.ErrInvalidInput) {
		t.Error("Expected collection to match every sentinel")
	}
}
