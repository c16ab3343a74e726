package domain

// ActorType is the closed set of actor kinds that can drive a transition.
type ActorType string

const (
	ActorSystem   ActorType = "system"
	ActorUser     ActorType = "user"
	ActorAdmin    ActorType = "admin"
	ActorProvider ActorType = "provider_webhook"
)

// Actor identifies who requested a transition. Only user and admin actors
// carry a numeric id; provider actors carry the webhook source instead.
type Actor struct {
	Type   ActorType `json:"actor_type"`
	ID     *int64    `json:"actor_id,omitempty"`
	Source string    `json:"source,omitempty"`
}

func SystemActor() Actor {
	return Actor{Type: ActorSystem}
}

func UserActor(id int64) Actor {
	return Actor{Type: ActorUser, ID: &id}
}

func AdminActor(id int64) Actor {
	return Actor{Type: ActorAdmin, ID: &id}
}

func ProviderActor(source string) Actor {
	return Actor{Type: ActorProvider, Source: source}
}

func (a Actor) Valid() bool {
	switch a.Type {
	case ActorSystem, ActorUser, ActorAdmin, ActorProvider:
		return true
	}
	return false
}
