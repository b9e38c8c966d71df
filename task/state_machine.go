package task

import "fmt"

// Status is the lifecycle of one scheduling decision.
type Status int

const (
	Pending              Status = iota //every decision starts here
	Success                            //a node or render url was assigned
	NodesOffline                       //no node answered the state refresh
	NoSuitableGroup                    //no candidate group has members
	ResourceInsufficient               //render: every group declined
	UpstreamError                      //render service failed or returned a malformed payload
)

var statusNames = map[Status]string{
	Pending:              "pending",
	Success:              "success",
	NodesOffline:         "nodes-offline",
	NoSuitableGroup:      "no-suitable-group",
	ResourceInsufficient: "resource-insufficient",
	UpstreamError:        "upstream-error",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// list of valid states you can transition to from one.
var stateTransitionMap = map[Status][]Status{
	Pending:              {Success, NodesOffline, NoSuitableGroup, ResourceInsufficient, UpstreamError},
	Success:              {}, //terminal
	NodesOffline:         {}, //terminal
	NoSuitableGroup:      {}, //terminal
	ResourceInsufficient: {}, //terminal
	UpstreamError:        {}, //terminal
}

func containsState(states []Status, state Status) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

func ValidStateTransition(src Status, dst Status) bool {
	return containsState(stateTransitionMap[src], dst)
}

func (s Status) Terminal() bool {
	return len(stateTransitionMap[s]) == 0
}
