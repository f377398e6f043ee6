package server

import "github.com/lcpu-dev/labsched/models"

type GeneralResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type MachineStatePut struct {
	State models.MachineState `json:"state"` // starting, running, stopping, poweroff, acpipowerbutton
}

type LabUserPost struct {
	LabName  string `json:"labName"`
	Username string `json:"username"`
}

type RepositoryGet struct {
	Name  string            `json:"name"`
	Heads map[string]string `json:"heads"` // head name -> commit
}
