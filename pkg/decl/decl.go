// Package decl loads JSON workflow declarations: schema validation first,
// then lowering onto the fluent builder. The builder remains the programmatic
// API; this package is the file-based front door the CLI uses.
package decl

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/phasor-io/phasor/pkg/dsl"
)

// SchemaError reports a declaration that failed JSON Schema validation.
type SchemaError struct {
	Findings []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("declaration failed schema validation: %s", strings.Join(e.Findings, "; "))
}

// Declaration is the JSON form of a workflow: an ordered flow of constructs
// plus the failure handlers.
type Declaration struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
	Version   string `json:"version"`

	Flow []Construct `json:"flow"`

	OnFailure     *Handler      `json:"on_failure,omitempty"`
	OnStepFailure []StepHandler `json:"on_step_failure,omitempty"`
}

// Construct is one element of the flow. Exactly one field is set; the schema
// enforces it.
type Construct struct {
	Step     *Step     `json:"step,omitempty"`
	Loop     *Loop     `json:"loop,omitempty"`
	Branch   *Branch   `json:"branch,omitempty"`
	Fork     *Fork     `json:"fork,omitempty"`
	Approval *Approval `json:"approval,omitempty"`
}

type Step struct {
	Name           string    `json:"name"`
	Implementation string    `json:"implementation"`
	InstanceName   string    `json:"instance_name,omitempty"`
	Validate       *Validate `json:"validate,omitempty"`
	Compensate     string    `json:"compensate,omitempty"`
}

type Validate struct {
	Expression string `json:"expression"`
	Message    string `json:"message,omitempty"`
}

type Loop struct {
	Name          string      `json:"name"`
	ExitCondition string      `json:"exit_condition"`
	MaxIterations int         `json:"max_iterations"`
	Body          []Construct `json:"body"`
}

type Branch struct {
	ID            string `json:"id"`
	Discriminator string `json:"discriminator"`
	Kind          string `json:"kind"`
	Cases         []Case `json:"cases"`
	Otherwise     *Case  `json:"otherwise,omitempty"`
}

type Case struct {
	Value    string `json:"value,omitempty"`
	Terminal bool   `json:"terminal,omitempty"`
	Steps    []Step `json:"steps,omitempty"`
}

type Fork struct {
	ID    string `json:"id"`
	Paths []Path `json:"paths"`
}

type Path struct {
	Steps           []Step `json:"steps"`
	TolerateFailure bool   `json:"tolerate_failure,omitempty"`
	OnFailure       string `json:"on_failure,omitempty"`
}

type Approval struct {
	Name               string    `json:"name"`
	ApproverType       string    `json:"approver_type"`
	Instructions       string    `json:"instructions,omitempty"`
	EscalationSteps    []SubStep `json:"escalation_steps,omitempty"`
	NestedEscalation   *Approval `json:"nested_escalation,omitempty"`
	RejectionSteps     []SubStep `json:"rejection_steps,omitempty"`
	EscalationTerminal bool      `json:"escalation_terminal,omitempty"`
	RejectionTerminal  bool      `json:"rejection_terminal,omitempty"`
}

type SubStep struct {
	Name           string `json:"name"`
	Implementation string `json:"implementation"`
}

type Handler struct {
	Steps    []SubStep `json:"steps"`
	Terminal bool      `json:"terminal,omitempty"`
}

type StepHandler struct {
	TriggerStep string    `json:"trigger_step"`
	ErrorType   string    `json:"error_type,omitempty"`
	Steps       []SubStep `json:"steps"`
	Terminal    bool      `json:"terminal,omitempty"`
}

// Parse validates raw JSON against the declaration schema and lowers it onto
// the builder, returning the extracted graph.
func Parse(data []byte) (*dsl.Graph, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}

	var d Declaration
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decoding declaration: %w", err)
	}

	return d.Lower()
}

// Load reads and parses one declaration file.
func Load(path string) (*dsl.Graph, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("reading declaration %s: %w", path, err)
	}

	return Parse(data)
}

func validateSchema(data []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(declarationSchema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return fmt.Errorf("validating declaration: %w", err)
	}

	if result.Valid() {
		return nil
	}

	findings := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		findings = append(findings, desc.String())
	}

	return &SchemaError{Findings: findings}
}

// Lower replays the declaration onto the fluent builder in flow order and
// builds the graph.
func (d *Declaration) Lower() (*dsl.Graph, error) {
	b := dsl.NewWorkflow(d.Name, d.Namespace, d.Version)

	for i := range d.Flow {
		lowerConstruct(b, &d.Flow[i])
	}

	if d.OnFailure != nil {
		b = b.OnFailure()
		for _, s := range d.OnFailure.Steps {
			b = b.Step(s.Name, s.Implementation)
		}

		if d.OnFailure.Terminal {
			b = b.Terminal()
		}

		b = b.EndOnFailure()
	}

	for _, h := range d.OnStepFailure {
		b = b.OnStepFailure(h.TriggerStep, h.ErrorType)
		for _, s := range h.Steps {
			b = b.Step(s.Name, s.Implementation)
		}

		if h.Terminal {
			b = b.Terminal()
		}

		b = b.EndOnFailure()
	}

	return b.Build()
}

func lowerConstruct(b *dsl.Builder, c *Construct) {
	switch {
	case c.Step != nil:
		lowerStep(b, c.Step)
	case c.Loop != nil:
		b.Loop(c.Loop.Name, c.Loop.ExitCondition, c.Loop.MaxIterations)

		for i := range c.Loop.Body {
			lowerConstruct(b, &c.Loop.Body[i])
		}

		b.EndLoop()
	case c.Branch != nil:
		lowerBranch(b, c.Branch)
	case c.Fork != nil:
		b.Fork(c.Fork.ID)

		for _, p := range c.Fork.Paths {
			b.Path()

			for i := range p.Steps {
				lowerStep(b, &p.Steps[i])
			}

			if p.TolerateFailure {
				b.TolerateFailure()
			}

			if p.OnFailure != "" {
				b.OnPathFailure(p.OnFailure)
			}
		}

		b.EndFork()
	case c.Approval != nil:
		b.Approval(c.Approval.Name, c.Approval.ApproverType, approvalOptions(c.Approval)...)
	}
}

func lowerStep(b *dsl.Builder, s *Step) {
	if s.InstanceName != "" {
		b.StepAs(s.Name, s.Implementation, s.InstanceName)
	} else {
		b.Step(s.Name, s.Implementation)
	}

	if s.Validate != nil {
		b.Validate(s.Validate.Expression, s.Validate.Message)
	}

	if s.Compensate != "" {
		b.Compensate(s.Compensate)
	}
}

func lowerBranch(b *dsl.Builder, branch *Branch) {
	b.Branch(branch.ID, branch.Discriminator, dsl.DiscriminatorKind(branch.Kind))

	lowerCase := func(c *Case, otherwise bool) {
		if otherwise {
			b.Otherwise()
		} else {
			b.Case(c.Value)
		}

		for i := range c.Steps {
			lowerStep(b, &c.Steps[i])
		}

		if c.Terminal {
			b.Terminal()
		}
	}

	for i := range branch.Cases {
		lowerCase(&branch.Cases[i], false)
	}

	if branch.Otherwise != nil {
		lowerCase(branch.Otherwise, true)
	}

	b.EndBranch()
}

func approvalOptions(a *Approval) []dsl.ApprovalOption {
	var opts []dsl.ApprovalOption

	if a.Instructions != "" {
		opts = append(opts, dsl.WithInstructions(a.Instructions))
	}

	for _, s := range a.EscalationSteps {
		opts = append(opts, dsl.WithEscalationStep(s.Name, s.Implementation))
	}

	if a.NestedEscalation != nil {
		nested := a.NestedEscalation
		opts = append(opts, dsl.WithNestedEscalation(nested.Name, nested.ApproverType, approvalOptions(nested)...))
	}

	for _, s := range a.RejectionSteps {
		opts = append(opts, dsl.WithRejectionStep(s.Name, s.Implementation))
	}

	if a.EscalationTerminal {
		opts = append(opts, dsl.EscalationTerminal())
	}

	if a.RejectionTerminal {
		opts = append(opts, dsl.RejectionTerminal())
	}

	return opts
}
