package fetcher

import (
	"bytes"
	"encoding/json"
)

// Page is one already-fetched page of the NVD CVE API.
// Items are kept raw so one broken item never spoils its page.
type Page struct {
	StartIndex   int
	TotalResults int
	Items        []json.RawMessage
}

// nvdResponse : https://services.nvd.nist.gov/rest/json/cves/1.0
type nvdResponse struct {
	ResultsPerPage int `json:"resultsPerPage"`
	StartIndex     int `json:"startIndex"`
	TotalResults   int `json:"totalResults"`
	Result         struct {
		CVEDataType      string            `json:"CVE_data_type,omitempty"`
		CVEDataFormat    string            `json:"CVE_data_format,omitempty"`
		CVEDataVersion   string            `json:"CVE_data_version,omitempty"`
		CVEDataTimestamp string            `json:"CVE_data_timestamp,omitempty"`
		CVEItems         []json.RawMessage `json:"CVE_Items"`
	} `json:"result"`
}

func (r nvdResponse) page() Page {
	return Page{
		StartIndex:   r.StartIndex,
		TotalResults: r.TotalResults,
		Items:        r.Result.CVEItems,
	}
}

type cveItem struct {
	Cve struct {
		DataMeta struct {
			ID       string  `json:"ID"`
			Assigner *string `json:"ASSIGNER"`
		} `json:"CVE_data_meta"`
		ProblemType struct {
			Data json.RawMessage `json:"problemtype_data"`
		} `json:"problemtype"`
		References struct {
			Data json.RawMessage `json:"reference_data"`
		} `json:"references"`
		Description struct {
			Data []description `json:"description_data"`
		} `json:"description"`
	} `json:"cve"`
	Configurations struct {
		Nodes []node `json:"nodes"`
	} `json:"configurations"`
	Impact struct {
		BaseMetricV3 *baseMetricV3 `json:"baseMetricV3"`
	} `json:"impact"`
	Tags             json.RawMessage `json:"tags"`
	PublishedDate    field[string]   `json:"publishedDate"`
	LastModifiedDate field[string]   `json:"lastModifiedDate"`
}

type description struct {
	Lang  *string `json:"lang"`
	Value *string `json:"value"`
}

type reference struct {
	URL       string   `json:"url"`
	Name      string   `json:"name"`
	RefSource *string  `json:"refsource"`
	Source    *string  `json:"source"`
	Tags      []string `json:"tags"`
}

type baseMetricV3 struct {
	CvssV3              *cvssV3        `json:"cvssV3"`
	ExploitabilityScore field[float64] `json:"exploitabilityScore"`
	ImpactScore         field[float64] `json:"impactScore"`
}

type cvssV3 struct {
	Version               field[string]  `json:"version"`
	VectorString          field[string]  `json:"vectorString"`
	AttackVector          field[string]  `json:"attackVector"`
	AttackComplexity      field[string]  `json:"attackComplexity"`
	PrivilegesRequired    field[string]  `json:"privilegesRequired"`
	UserInteraction       field[string]  `json:"userInteraction"`
	Scope                 field[string]  `json:"scope"`
	ConfidentialityImpact field[string]  `json:"confidentialityImpact"`
	IntegrityImpact       field[string]  `json:"integrityImpact"`
	AvailabilityImpact    field[string]  `json:"availabilityImpact"`
	BaseScore             field[float64] `json:"baseScore"`
	BaseSeverity          field[string]  `json:"baseSeverity"`
}

type node struct {
	Operator *string    `json:"operator"`
	Children []node     `json:"children"`
	CpeMatch []cpeMatch `json:"cpe_match"`
}

type cpeMatch struct {
	Vulnerable            bool    `json:"vulnerable"`
	Cpe23URI              string  `json:"cpe23Uri"`
	Cpe22URI              string  `json:"cpe22Uri"`
	VersionStartIncluding *string `json:"versionStartIncluding"`
	VersionStartExcluding *string `json:"versionStartExcluding"`
	VersionEndIncluding   *string `json:"versionEndIncluding"`
	VersionEndExcluding   *string `json:"versionEndExcluding"`
}

// field is a scalar that may be absent, null or of the wrong JSON type.
// A wrongly typed value leaves Value nil and is kept in Err instead of failing the item.
type field[T any] struct {
	Value *T
	Err   error
}

// UnmarshalJSON :
func (f *field[T]) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		return nil
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		f.Err = err
		return nil
	}
	f.Value = &v
	return nil
}
