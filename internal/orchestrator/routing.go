package orchestrator

import "strings"

// route is the resolved provider/model pair for one request.
type route struct {
	providerName string
	modelName    string
}

// resolveRoute splits "provider/model" and validates the provider is known
// and the model (if the provider has an allow-list) is permitted. Spec §4.6
// steps 2-3: this is a strict prefix split, never an alias-map lookup.
func (o *Orchestrator) resolveRoute(rawModel string) (route, bool) {
	idx := strings.IndexByte(rawModel, '/')
	if idx <= 0 || idx == len(rawModel)-1 {
		return route{}, false
	}
	providerName, modelName := rawModel[:idx], rawModel[idx+1:]

	np, ok := o.providers[providerName]
	if !ok {
		return route{}, false
	}

	if len(np.AllowedModels) > 0 && !contains(np.AllowedModels, modelName) {
		return route{}, false
	}

	return route{providerName: providerName, modelName: modelName}, true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
