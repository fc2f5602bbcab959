package remote

// Named component handles of the scheduling application.
const (
	HandleCalendar      = "calendar"
	HandlePatientSearch = "patientSearch"
	HandleReserveForm   = "reserveForm"
)

// DefaultHandles maps component handles to the CSS selectors of their root
// elements.
func DefaultHandles() map[string]string {
	return map[string]string{
		HandleCalendar:      "#reserve-calendar",
		HandlePatientSearch: "#patient-search",
		HandleReserveForm:   "#reserve-form",
	}
}

// LoginSelectors locate the login form.
type LoginSelectors struct {
	LoginKey string
	Password string
	Submit   string
}

func DefaultLoginSelectors() LoginSelectors {
	return LoginSelectors{
		LoginKey: `input[name="login_id"]`,
		Password: `input[name="password"]`,
		Submit:   `button[type="submit"]`,
	}
}

// Options configures pages opened by the playwright launcher.
type Options struct {
	Headless bool
	// Timeout is the default per-operation timeout in milliseconds.
	Timeout float64
	Viewport Viewport
	Handles  map[string]string
}

// Viewport represents the browser viewport dimensions.
type Viewport struct {
	Width  int
	Height int
}

// Default values for page options.
const (
	DefaultTimeout        = 30000.0
	DefaultViewportWidth  = 1440
	DefaultViewportHeight = 900
)
