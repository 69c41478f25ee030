package server

import (
	"time"

	"github.com/MarcoPoloResearchLab/intake/internal/candidates"
)

const filesRoutePrefix = "/files/"

type candidateResponse struct {
	ID           uint64               `json:"id"`
	FirstName    string               `json:"firstName"`
	LastName     string               `json:"lastName"`
	Email        string               `json:"email"`
	Phone        string               `json:"phone"`
	Address      *string              `json:"address,omitempty"`
	LinkedInURL  *string              `json:"linkedinUrl,omitempty"`
	PortfolioURL *string              `json:"portfolioUrl,omitempty"`
	CreatedAt    time.Time            `json:"createdAt"`
	Education    []educationResponse  `json:"education"`
	Experience   []experienceResponse `json:"experience"`
	Attachments  []attachmentResponse `json:"attachments"`
}

type educationResponse struct {
	ID           uint64  `json:"id"`
	Institution  string  `json:"institution"`
	Degree       string  `json:"degree"`
	FieldOfStudy *string `json:"fieldOfStudy,omitempty"`
	StartDate    string  `json:"startDate"`
	EndDate      *string `json:"endDate,omitempty"`
	Ongoing      bool    `json:"ongoing"`
}

type experienceResponse struct {
	ID          uint64  `json:"id"`
	Company     string  `json:"company"`
	Position    string  `json:"position"`
	Description *string `json:"description,omitempty"`
	StartDate   string  `json:"startDate"`
	EndDate     *string `json:"endDate,omitempty"`
	Ongoing     bool    `json:"ongoing"`
}

type attachmentResponse struct {
	ID           uint64 `json:"id"`
	OriginalName string `json:"originalName"`
	MediaType    string `json:"mediaType"`
	Size         int64  `json:"size"`
	Locator      string `json:"locator"`
	URL          string `json:"url"`
}

type listResponse struct {
	Records    []candidateResponse   `json:"records"`
	Pagination candidates.Pagination `json:"pagination"`
}

type suggestionsResponse struct {
	Suggestions []string `json:"suggestions"`
}

func newCandidateResponse(candidate *candidates.Candidate) candidateResponse {
	response := candidateResponse{
		ID:           candidate.ID,
		FirstName:    candidate.FirstName,
		LastName:     candidate.LastName,
		Email:        candidate.Email,
		Phone:        candidate.Phone,
		Address:      candidate.Address,
		LinkedInURL:  candidate.LinkedInURL,
		PortfolioURL: candidate.PortfolioURL,
		CreatedAt:    candidate.CreatedAt.UTC(),
		Education:    make([]educationResponse, 0, len(candidate.Education)),
		Experience:   make([]experienceResponse, 0, len(candidate.Experience)),
		Attachments:  make([]attachmentResponse, 0, len(candidate.Attachments)),
	}
	for _, entry := range candidate.Education {
		response.Education = append(response.Education, educationResponse{
			ID:           entry.ID,
			Institution:  entry.Institution,
			Degree:       entry.Degree,
			FieldOfStudy: entry.FieldOfStudy,
			StartDate:    formatDate(entry.StartDate),
			EndDate:      formatOptionalDate(entry.EndDate),
			Ongoing:      entry.Ongoing,
		})
	}
	for _, entry := range candidate.Experience {
		response.Experience = append(response.Experience, experienceResponse{
			ID:          entry.ID,
			Company:     entry.Company,
			Position:    entry.Position,
			Description: entry.Description,
			StartDate:   formatDate(entry.StartDate),
			EndDate:     formatOptionalDate(entry.EndDate),
			Ongoing:     entry.Ongoing,
		})
	}
	for _, attachment := range candidate.Attachments {
		response.Attachments = append(response.Attachments, attachmentResponse{
			ID:           attachment.ID,
			OriginalName: attachment.OriginalName,
			MediaType:    attachment.MediaType,
			Size:         attachment.SizeBytes,
			Locator:      attachment.Locator,
			URL:          filesRoutePrefix + attachment.Locator,
		})
	}
	return response
}

func formatDate(value time.Time) string {
	return value.UTC().Format(candidates.DateLayout)
}

func formatOptionalDate(value *time.Time) *string {
	if value == nil {
		return nil
	}
	formatted := formatDate(*value)
	return &formatted
}
