package hostproto

import "fmt"

// Capability describes one named operation a plugin offers, with the
// parameter schema and shared-memory sizing the core uses to provision a
// session.
type Capability struct {
	ID           string             `json:"id"`
	Name         string             `json:"name,omitempty"`
	Description  string             `json:"description,omitempty"`
	Params       []ParamSpec        `json:"params,omitempty"`
	SharedMemory *SharedMemoryHints `json:"sharedMemory,omitempty"`
}

// ParamSpec declares one connect parameter.
type ParamSpec struct {
	Name     string    `json:"name"`
	Type     ParamType `json:"type"`
	Required bool      `json:"required,omitempty"`
}

// ParamType is the declared value type of a connect parameter.
type ParamType string

const (
	ParamString ParamType = "string"
	ParamInt    ParamType = "int"
	ParamFloat  ParamType = "float"
	ParamBool   ParamType = "bool"
)

// SharedMemoryHints size the segment granted to a session. A zero hints
// struct means the capability does not use shared memory.
type SharedMemoryHints struct {
	// MinBytes is the smallest ring the capability can work with.
	MinBytes int `json:"minBytes"`

	// PreferredBytes is the initial grant.
	PreferredBytes int `json:"preferredBytes"`

	// MaxBytes caps growth; zero means PreferredBytes is also the cap.
	MaxBytes int `json:"maxBytes,omitempty"`

	// GrowthStep is the increment used when the ring keeps running full;
	// zero disables growth.
	GrowthStep int `json:"growthStep,omitempty"`

	// SupportsSwitch marks plugins able to follow a writer switch to a
	// replacement segment.
	SupportsSwitch bool `json:"supportsSwitch,omitempty"`
}

// WantsSharedMemory reports whether the capability asked for a segment.
func (c *Capability) WantsSharedMemory() bool {
	return c.SharedMemory != nil && c.SharedMemory.PreferredBytes > 0
}

// ValidateParams checks params against the capability's declared schema:
// required fields present, declared types respected. Parameters outside the
// schema pass through untouched; the schema constrains, it does not
// enumerate.
func (c *Capability) ValidateParams(params map[string]any) error {
	for _, spec := range c.Params {
		value, present := params[spec.Name]
		if !present {
			if spec.Required {
				return fmt.Errorf("%w: parameter %q is required", ErrInvalidParams, spec.Name)
			}
			continue
		}
		if err := checkParamType(spec, value); err != nil {
			return err
		}
	}
	return nil
}

func checkParamType(spec ParamSpec, value any) error {
	switch spec.Type {
	case ParamString:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("%w: parameter %q must be a string", ErrInvalidParams, spec.Name)
		}
	case ParamInt:
		// JSON numbers decode as float64; accept whole values only.
		f, ok := value.(float64)
		if !ok || f != float64(int64(f)) {
			if _, isInt := value.(int); !isInt {
				return fmt.Errorf("%w: parameter %q must be an integer", ErrInvalidParams, spec.Name)
			}
		}
	case ParamFloat:
		switch value.(type) {
		case float64, int:
		default:
			return fmt.Errorf("%w: parameter %q must be a number", ErrInvalidParams, spec.Name)
		}
	case ParamBool:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("%w: parameter %q must be a boolean", ErrInvalidParams, spec.Name)
		}
	case "":
		// Untyped spec constrains presence only.
	default:
		return fmt.Errorf("%w: parameter %q has unknown declared type %q", ErrInvalidParams, spec.Name, spec.Type)
	}
	return nil
}
