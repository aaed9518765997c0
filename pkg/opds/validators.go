package opds

type pageParams struct {
	Page int `query:"page" validate:"min=0"`
}

type searchParams struct {
	SearchTerm string `query:"searchTerm" mod:"trim"`
	SearchType string `query:"searchType" validate:"omitempty,oneof=authors books"`
	Page       int    `query:"page" validate:"min=0"`
}
