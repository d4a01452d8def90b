package fiskaly

// Resource is the common envelope returned for assets, entities and systems.
type Resource struct {
	Content  ResourceContent   `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ResourceContent holds the fields this service reads back.
type ResourceContent struct {
	ID    string `json:"id"`
	Type  string `json:"type,omitempty"`
	State string `json:"state,omitempty"`
}

type listResponse struct {
	Results []Resource `json:"results"`
}

type tokenRequest struct {
	Content struct {
		Type   string `json:"type"`
		Key    string `json:"key"`
		Secret string `json:"secret"`
	} `json:"content"`
}

type tokenResponse struct {
	Content struct {
		Authentication struct {
			Bearer string `json:"bearer"`
		} `json:"authentication"`
	} `json:"content"`
}

// AssetRequest creates a grouping asset such as a business UNIT.
type AssetRequest struct {
	Content struct {
		Type string `json:"type"`
		Name string `json:"name"`
	} `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SubjectRequest creates an API key scoped to the asset in the request scope.
type SubjectRequest struct {
	Content struct {
		Type string `json:"type"`
		Name string `json:"name"`
	} `json:"content"`
}

// Credentials is an API key/secret pair.
type Credentials struct {
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

type subjectResponse struct {
	Content struct {
		ID          string      `json:"id"`
		Credentials Credentials `json:"credentials"`
	} `json:"content"`
}

// EntityName carries the legal and trade names of a company.
type EntityName struct {
	Legal string `json:"legal"`
	Trade string `json:"trade,omitempty"`
}

// Address is a structured postal address.
type Address struct {
	Line1      string `json:"line_1"`
	Line2      string `json:"line_2,omitempty"`
	PostalCode string `json:"postal_code"`
	City       string `json:"city"`
	Province   string `json:"province"`
	Country    string `json:"country_code"`
}

// EntityRequest creates a legal entity.
type EntityRequest struct {
	Content struct {
		Type      string     `json:"type"`
		Name      EntityName `json:"name"`
		Address   Address    `json:"address"`
		VATNumber string     `json:"vat_number"`
	} `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type entityStateRequest struct {
	Content struct {
		State string `json:"state"`
	} `json:"content"`
}

// Software identifies the cash register software bound to a system.
type Software struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// SystemRequest creates a fiscal system linked to an entity.
type SystemRequest struct {
	Content struct {
		Type   string `json:"type"`
		Entity struct {
			ID string `json:"id"`
		} `json:"entity"`
		Software Software `json:"software"`
	} `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

const (
	AssetTypeUnit           = "UNIT"
	SubjectTypeAPIKey       = "API_KEY"
	EntityTypeCompany       = "COMPANY"
	EntityStateCommissioned = "COMMISSIONED"
	SystemTypeFiscalDevice  = "FISCAL_DEVICE"
)
