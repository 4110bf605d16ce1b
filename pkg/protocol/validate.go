package protocol

func ValidatePupState(s PupState) error {
	if s.Manifest == nil {
		return &ValidationError{Code: ErrPupMissingManifest, Field: "manifest"}
	}
	if s.ID == "" {
		return &ValidationError{Code: ErrPupMissingID, Field: "id"}
	}
	return nil
}

func ValidatePupStats(s PupStats) error {
	if s.ID == "" {
		return &ValidationError{Code: ErrStatsMissingID, Field: "id"}
	}
	switch s.Status {
	case RuntimeStarting, RuntimeRunning, RuntimeStopping, RuntimeStopped, "":
	default:
		return &ValidationError{Code: ErrStatsUnknownStatus, Field: "status"}
	}
	return nil
}

func ValidateJobUpdate(j JobUpdate) error {
	if j.ID == "" {
		return &ValidationError{Code: ErrJobMissingID, Field: "id"}
	}
	return nil
}

func ValidateSourceListing(id string, l SourceListing) error {
	if id == "" {
		return &ValidationError{Code: ErrSourceMissingID, Field: "id"}
	}
	for key, def := range l.Pups {
		if key == "" && def.Name == "" {
			return &ValidationError{Code: ErrDefinitionEmptyName, Field: "pups"}
		}
	}
	return nil
}
