package model

// IMDbName is one row of the IMDb name.basics dataset. DeathYear 0 means the
// dataset lists the person as living.
type IMDbName struct {
	NConst    string `json:"nconst"`
	Name      string `json:"name"`
	NameNorm  string `json:"name_norm"`
	BirthYear int    `json:"birth_year,omitempty"`
	DeathYear int    `json:"death_year,omitempty"`
}
