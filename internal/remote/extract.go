package remote

// outputStrategy looks for the output location in one response shape.
type outputStrategy func(jobResponse) (string, bool)

// outputStrategies are tried in order; the first hit wins.
var outputStrategies = []outputStrategy{
	topLevelOutputs,
	nestedResultOutputs,
	bareURL,
}

func extractOutput(resp jobResponse) (string, bool) {
	for _, strategy := range outputStrategies {
		if location, ok := strategy(resp); ok {
			return location, true
		}
	}
	return "", false
}

func topLevelOutputs(resp jobResponse) (string, bool) {
	return firstOutput(resp.Outputs)
}

func nestedResultOutputs(resp jobResponse) (string, bool) {
	if resp.Result == nil {
		return "", false
	}
	if location, ok := firstOutput(resp.Result.Outputs); ok {
		return location, true
	}
	if location := firstNonEmpty(resp.Result.URL); location != "" {
		return location, true
	}
	return "", false
}

func bareURL(resp jobResponse) (string, bool) {
	location := firstNonEmpty(resp.URL)
	return location, location != ""
}

func firstOutput(outputs []output) (string, bool) {
	for _, o := range outputs {
		if location := firstNonEmpty(o.URL, o.URI); location != "" {
			return location, true
		}
	}
	return "", false
}
