package capability

import "fmt"

type ToolNotFoundError struct {
	Server string
	Tool   string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool %q not found on server %s", e.Tool, e.Server)
}

type ResourceNotFoundError struct {
	Server string
	URI    string
}

func (e *ResourceNotFoundError) Error() string {
	return fmt.Sprintf("resource %q not found on server %s", e.URI, e.Server)
}

type PromptNotFoundError struct {
	Server string
	Name   string
}

func (e *PromptNotFoundError) Error() string {
	return fmt.Sprintf("prompt %q not found on server %s", e.Name, e.Server)
}
