package referral

import (
	"github.com/vitalred/referral/internal/domain/scoring"
)

// AutoResponderID is the reviewer id recorded on automatic decisions.
const AutoResponderID = "system:auto-responder"

// Template is the canned guidance for one specialty.
type Template struct {
	Guidance               string `json:"guidance" yaml:"guidance"`
	EstimatedTimeToService string `json:"estimated_time_to_service" yaml:"estimated_time_to_service"`
}

var genericTemplate = Template{
	Guidance: "Solicitud aceptada de forma automática por su baja urgencia. El servicio de destino " +
		"contactará al paciente para programar la atención. Ante empeoramiento de los síntomas, " +
		"acuda a urgencias.",
	EstimatedTimeToService: "10 a 15 días hábiles",
}

// DefaultTemplates returns the built-in specialty templates.
func DefaultTemplates() map[string]Template {
	return map[string]Template{
		"medicina general": {
			Guidance:               "Control ambulatorio aceptado. Aporte analítica reciente y listado de medicación actual.",
			EstimatedTimeToService: "5 a 7 días hábiles",
		},
		"dermatología": {
			Guidance:               "Consulta dermatológica aceptada. Adjunte fotografías de la lesión si es posible.",
			EstimatedTimeToService: "15 a 20 días hábiles",
		},
		"traumatología": {
			Guidance:               "Consulta de traumatología aceptada. Aporte estudios de imagen previos.",
			EstimatedTimeToService: "10 a 15 días hábiles",
		},
		"oftalmología": {
			Guidance:               "Revisión oftalmológica aceptada. Traiga sus lentes actuales a la consulta.",
			EstimatedTimeToService: "15 a 30 días hábiles",
		},
		"pediatría": {
			Guidance:               "Consulta pediátrica aceptada. Aporte la cartilla de vacunación.",
			EstimatedTimeToService: "3 a 5 días hábiles",
		},
		"ginecología": {
			Guidance:               "Consulta ginecológica aceptada. Aporte resultados de citologías previas.",
			EstimatedTimeToService: "10 a 15 días hábiles",
		},
		"endocrinología": {
			Guidance:               "Consulta de endocrinología aceptada. Aporte perfil glucémico y hemoglobina glicosilada.",
			EstimatedTimeToService: "15 a 20 días hábiles",
		},
	}
}

// AutoResponder produces templated acceptances for ROUTINE requests. It is
// stateless after construction.
type AutoResponder struct {
	templates map[string]Template
	fallback  Template
}

// NewAutoResponder keys templates by normalized specialty. A nil map uses
// DefaultTemplates.
func NewAutoResponder(templates map[string]Template) *AutoResponder {
	if templates == nil {
		templates = DefaultTemplates()
	}
	a := &AutoResponder{
		templates: make(map[string]Template, len(templates)),
		fallback:  genericTemplate,
	}
	for specialty, t := range templates {
		a.templates[scoring.Normalize(specialty)] = t
	}
	return a
}

// TryAutoRespond returns an unsaved ACCEPTED decision for a ROUTINE request,
// or nil for anything else. Unknown specialties use the generic template.
func (a *AutoResponder) TryAutoRespond(req *Request) *Decision {
	if req == nil || req.Priority != scoring.PriorityRoutine {
		return nil
	}
	t, ok := a.templates[scoring.Normalize(req.Specialty)]
	if !ok {
		t = a.fallback
	}
	return &Decision{
		RequestID:              req.ID,
		Outcome:                OutcomeAccepted,
		ReviewerID:             AutoResponderID,
		Justification:          "Aceptación automática: prioridad rutinaria",
		Automatic:              true,
		GuidanceMessage:        t.Guidance,
		EstimatedTimeToService: t.EstimatedTimeToService,
	}
}
