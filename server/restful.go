package server

import (
	"net/http"
	"strconv"

	"github.com/emicklei/go-restful/v3"
	"github.com/lcpu-dev/labsched/compat"
	"github.com/lcpu-dev/labsched/models"
	"github.com/lcpu-dev/labsched/orchestrator"
	"github.com/lcpu-dev/labsched/store"
)

func (s *Server) webService() *restful.WebService {
	ws := new(restful.WebService)
	ws.Path("/api/v1").Consumes(restful.MIME_JSON).Produces(restful.MIME_JSON)
	ws.Filter(func(r1 *restful.Request, r2 *restful.Response, fc *restful.FilterChain) {
		r2.AddHeader("Access-Control-Allow-Origin", "*")
		fc.ProcessFilter(r1, r2)
	})
	ws.Filter(s.filterRequestID)

	lab := restful.PathParameter("lab", "lab name")
	username := restful.PathParameter("username", "username")
	token := restful.PathParameter("token", "private or public instance token")
	labID := restful.PathParameter("labId", "external lab id").DataType("integer")
	userID := restful.PathParameter("userId", "external user id").DataType("integer")
	repo := restful.PathParameter("name", "repository name")

	ws.Route(
		ws.GET("/lab").
			Filter(s.filterAdmin).
			Returns(200, "OK", []models.Lab{}).
			To(s.ListLabs),
	)
	ws.Route(
		ws.PUT("/lab/{lab}").
			Param(lab).
			Reads(models.Lab{}).
			Filter(s.filterAdmin).
			Returns(200, "OK", models.Lab{}).
			Returns(409, "Revision Conflict", GeneralResponse{}).
			Returns(422, "Invalid Lab", GeneralResponse{}).
			To(s.PutLab),
	)
	ws.Route(
		ws.GET("/lab/{lab}").
			Param(lab).
			Filter(s.filterAdmin).
			Returns(200, "OK", models.Lab{}).
			Returns(404, "Not Found", GeneralResponse{}).
			To(s.GetLab),
	)
	ws.Route(
		ws.DELETE("/lab/{lab}").
			Param(lab).
			Filter(s.filterAdmin).
			Returns(200, "OK", GeneralResponse{}).
			Returns(404, "Not Found", GeneralResponse{}).
			Returns(409, "Revision Conflict", GeneralResponse{}).
			To(s.DeleteLab),
	)
	ws.Route(
		ws.GET("/lab/{lab}/instance").
			Param(lab).
			Filter(s.filterAdmin).
			Returns(200, "OK", []models.Instance{}).
			To(s.ListInstances),
	)
	ws.Route(
		ws.POST("/lab/{lab}/instance/{username}").
			Param(lab).
			Param(username).
			Filter(s.filterAdmin).
			Returns(200, "OK", models.Instance{}).
			Returns(404, "Lab Not Found", GeneralResponse{}).
			Returns(409, "Instance already exists", GeneralResponse{}).
			Returns(422, "Invalid Username", GeneralResponse{}).
			Returns(500, "Provisioning Failed", GeneralResponse{}).
			To(s.PostInstance),
	)
	ws.Route(
		ws.PUT("/lab/{lab}/instance/{username}/import").
			Param(lab).
			Param(username).
			Reads(models.Instance{}).
			Filter(s.filterAdmin).
			Returns(200, "OK", models.Instance{}).
			Returns(409, "Instance already exists", GeneralResponse{}).
			To(s.ImportInstance),
	)
	ws.Route(
		ws.GET("/lab/{lab}/instance/{username}").
			Param(lab).
			Param(username).
			Filter(s.filterAdmin).
			Returns(200, "OK", models.Instance{}).
			Returns(404, "Not Found", GeneralResponse{}).
			To(s.GetInstance),
	)
	ws.Route(
		ws.DELETE("/lab/{lab}/instance/{username}").
			Param(lab).
			Param(username).
			Filter(s.filterAdmin).
			Returns(200, "OK", GeneralResponse{}).
			Returns(404, "Not Found", GeneralResponse{}).
			Returns(409, "Revision Conflict", GeneralResponse{}).
			To(s.DeleteInstance),
	)
	ws.Route(
		ws.GET("/instance/{token}").
			Param(token).
			Returns(200, "OK", models.Instance{}).
			Returns(404, "Not Found", GeneralResponse{}).
			To(s.GetInstanceByToken),
	)
	ws.Route(
		ws.PUT("/instance/{token}/machine/{machine}").
			Param(token).
			Param(restful.PathParameter("machine", "machine id in the lab")).
			Reads(MachineStatePut{}).
			Returns(200, "OK", models.InstanceMachine{}).
			Returns(403, "Forbidden", GeneralResponse{}).
			Returns(404, "Not Found", GeneralResponse{}).
			Returns(422, "Unsupported State", GeneralResponse{}).
			To(s.PutMachineState),
	)
	ws.Route(
		ws.POST("/compat/lab/{labId}/user/{userId}").
			Param(labID).
			Param(userID).
			Reads(LabUserPost{}).
			Filter(s.filterAdmin).
			Returns(200, "OK", compat.LabUser{}).
			To(s.PostLabUser),
	)
	ws.Route(
		ws.GET("/compat/lab/{labId}/user/{userId}").
			Param(labID).
			Param(userID).
			Filter(s.filterAdmin).
			Returns(200, "OK", compat.LabUser{}).
			Returns(404, "Not Found", GeneralResponse{}).
			Returns(409, "Inconsistent", GeneralResponse{}).
			To(s.GetLabUser),
	)
	ws.Route(
		ws.POST("/compat/lab/{labId}/user/{userId}/start").
			Param(labID).
			Param(userID).
			Filter(s.filterAdmin).
			Returns(200, "OK", models.Instance{}).
			To(s.StartLab),
	)
	ws.Route(
		ws.POST("/compat/lab/{labId}/user/{userId}/stop").
			Param(labID).
			Param(userID).
			Filter(s.filterAdmin).
			Returns(200, "OK", models.Instance{}).
			To(s.StopLab),
	)
	ws.Route(
		ws.POST("/compat/lab/{labId}/user/{userId}/end").
			Param(labID).
			Param(userID).
			Filter(s.filterAdmin).
			Returns(200, "OK", compat.LabUser{}).
			To(s.EndLab),
	)
	ws.Route(
		ws.GET("/repository/{name}").
			Param(repo).
			Filter(s.filterAdmin).
			Returns(200, "OK", RepositoryGet{}).
			Returns(404, "Not Configured", GeneralResponse{}).
			To(s.GetRepository),
	)
	ws.Route(
		ws.POST("/repository/{name}/fetch").
			Param(repo).
			Filter(s.filterAdmin).
			Returns(200, "OK", RepositoryGet{}).
			To(s.FetchRepository),
	)
	return ws
}

func (s *Server) ListLabs(req *restful.Request, resp *restful.Response) {
	labs, err := s.orch.ListLabs(req.Request.Context())
	if err != nil {
		writeError(req, resp, err)
		return
	}
	resp.WriteEntity(labs)
}

func (s *Server) PutLab(req *restful.Request, resp *restful.Response) {
	lab := &models.Lab{}
	if err := req.ReadEntity(lab); err != nil {
		resp.WriteHeaderAndEntity(http.StatusBadRequest, &GeneralResponse{Success: false, Message: err.Error()})
		return
	}
	lab.ID = req.PathParameter("lab")
	if rev := ifMatch(req); rev != "" {
		lab.Rev = rev
	}
	if err := s.orch.SaveLab(req.Request.Context(), lab); err != nil {
		writeError(req, resp, err)
		return
	}
	writeETag(resp, lab.Rev)
	resp.WriteEntity(lab)
}

func (s *Server) GetLab(req *restful.Request, resp *restful.Response) {
	lab, err := s.orch.GetLab(req.Request.Context(), req.PathParameter("lab"))
	if err != nil {
		writeError(req, resp, err)
		return
	}
	writeETag(resp, lab.Rev)
	resp.WriteEntity(lab)
}

func (s *Server) DeleteLab(req *restful.Request, resp *restful.Response) {
	ctx := req.Request.Context()
	rev := ifMatch(req)
	if rev == "" {
		lab, err := s.orch.GetLab(ctx, req.PathParameter("lab"))
		if err != nil {
			writeError(req, resp, err)
			return
		}
		rev = lab.Rev
	}
	if err := s.orch.DeleteLab(ctx, req.PathParameter("lab"), rev); err != nil {
		writeError(req, resp, err)
		return
	}
	resp.WriteEntity(&GeneralResponse{Success: true})
}

func (s *Server) ListInstances(req *restful.Request, resp *restful.Response) {
	insts, err := s.orch.ListInstances(req.Request.Context(), req.PathParameter("lab"))
	if err != nil {
		writeError(req, resp, err)
		return
	}
	resp.WriteEntity(insts)
}

func (s *Server) PostInstance(req *restful.Request, resp *restful.Response) {
	ctx := req.Request.Context()
	lab, err := s.orch.GetLab(ctx, req.PathParameter("lab"))
	if err != nil {
		writeError(req, resp, err)
		return
	}
	inst, err := s.orch.CreateInstance(ctx, lab, req.PathParameter("username"))
	if err != nil {
		writeError(req, resp, err)
		return
	}
	writeETag(resp, inst.Rev)
	resp.WriteEntity(inst)
}

func (s *Server) ImportInstance(req *restful.Request, resp *restful.Response) {
	inst := &models.Instance{}
	if err := req.ReadEntity(inst); err != nil {
		resp.WriteHeaderAndEntity(http.StatusBadRequest, &GeneralResponse{Success: false, Message: err.Error()})
		return
	}
	inst.Lab.ID = req.PathParameter("lab")
	inst.Username = req.PathParameter("username")
	inst, err := s.orch.ImportInstance(req.Request.Context(), inst)
	if err != nil {
		writeError(req, resp, err)
		return
	}
	writeETag(resp, inst.Rev)
	resp.WriteEntity(inst)
}

func (s *Server) GetInstance(req *restful.Request, resp *restful.Response) {
	ctx := req.Request.Context()
	inst, err := s.orch.GetInstance(ctx, req.PathParameter("lab"), req.PathParameter("username"))
	if err != nil {
		writeError(req, resp, err)
		return
	}
	s.orch.RefreshMachines(ctx, inst)
	writeETag(resp, inst.Rev)
	resp.WriteEntity(inst)
}

func (s *Server) DeleteInstance(req *restful.Request, resp *restful.Response) {
	_, err := s.orch.DeleteInstance(req.Request.Context(), req.PathParameter("lab"), req.PathParameter("username"), ifMatch(req))
	if err != nil {
		writeError(req, resp, err)
		return
	}
	resp.WriteEntity(&GeneralResponse{Success: true})
}

func (s *Server) GetInstanceByToken(req *restful.Request, resp *restful.Response) {
	ctx := req.Request.Context()
	inst, private, err := s.orch.GetInstanceByToken(ctx, req.PathParameter("token"))
	if err != nil {
		writeError(req, resp, err)
		return
	}
	s.orch.RefreshMachines(ctx, inst)
	writeETag(resp, inst.Rev)
	resp.WriteEntity(orchestrator.View(inst, private))
}

func (s *Server) PutMachineState(req *restful.Request, resp *restful.Response) {
	ctx := req.Request.Context()
	body := &MachineStatePut{}
	if err := req.ReadEntity(body); err != nil || body.State == "" {
		resp.WriteHeaderAndEntity(http.StatusBadRequest, &GeneralResponse{Success: false, Message: "state is required"})
		return
	}
	inst, private, err := s.orch.GetInstanceByToken(ctx, req.PathParameter("token"))
	if err != nil {
		writeError(req, resp, err)
		return
	}
	machine := req.PathParameter("machine")
	if _, err := s.orch.UpdateMachineState(ctx, inst, machine, body.State, private); err != nil {
		writeError(req, resp, err)
		return
	}
	resp.WriteEntity(orchestrator.View(inst, private).Machines[machine])
}

func externalIDs(req *restful.Request) (int, int, bool) {
	labID, err := strconv.Atoi(req.PathParameter("labId"))
	if err != nil {
		return 0, 0, false
	}
	userID, err := strconv.Atoi(req.PathParameter("userId"))
	if err != nil {
		return 0, 0, false
	}
	return labID, userID, true
}

func badExternalID(resp *restful.Response) {
	resp.WriteHeaderAndEntity(http.StatusBadRequest, &GeneralResponse{Success: false, Message: "lab and user ids must be integers"})
}

func (s *Server) PostLabUser(req *restful.Request, resp *restful.Response) {
	labID, userID, ok := externalIDs(req)
	if !ok {
		badExternalID(resp)
		return
	}
	body := &LabUserPost{}
	if err := req.ReadEntity(body); err != nil || body.LabName == "" {
		resp.WriteHeaderAndEntity(http.StatusBadRequest, &GeneralResponse{Success: false, Message: "labName and username are required"})
		return
	}
	u, err := s.compat.AddLabUser(req.Request.Context(), labID, userID, body.LabName, body.Username)
	if err != nil {
		writeError(req, resp, err)
		return
	}
	resp.WriteEntity(u)
}

func (s *Server) GetLabUser(req *restful.Request, resp *restful.Response) {
	labID, userID, ok := externalIDs(req)
	if !ok {
		badExternalID(resp)
		return
	}
	u, err := s.compat.FindLabUser(req.Request.Context(), labID, userID)
	if err != nil {
		writeError(req, resp, err)
		return
	}
	resp.WriteEntity(u)
}

func (s *Server) StartLab(req *restful.Request, resp *restful.Response) {
	labID, userID, ok := externalIDs(req)
	if !ok {
		badExternalID(resp)
		return
	}
	inst, err := s.compat.StartLab(req.Request.Context(), labID, userID)
	if err != nil {
		writeError(req, resp, err)
		return
	}
	resp.WriteEntity(inst)
}

func (s *Server) StopLab(req *restful.Request, resp *restful.Response) {
	labID, userID, ok := externalIDs(req)
	if !ok {
		badExternalID(resp)
		return
	}
	inst, err := s.compat.StopLab(req.Request.Context(), labID, userID)
	if err != nil {
		writeError(req, resp, err)
		return
	}
	resp.WriteEntity(inst)
}

func (s *Server) EndLab(req *restful.Request, resp *restful.Response) {
	labID, userID, ok := externalIDs(req)
	if !ok {
		badExternalID(resp)
		return
	}
	u, err := s.compat.EndLab(req.Request.Context(), labID, userID)
	if err != nil {
		writeError(req, resp, err)
		return
	}
	resp.WriteEntity(u)
}

func (s *Server) repositoryHeads(req *restful.Request, resp *restful.Response) {
	name := req.PathParameter("name")
	heads, err := s.repos.Refs(req.Request.Context(), name)
	if err != nil {
		writeError(req, resp, err)
		return
	}
	resp.WriteEntity(&RepositoryGet{Name: name, Heads: heads})
}

func (s *Server) GetRepository(req *restful.Request, resp *restful.Response) {
	if s.repos == nil {
		writeError(req, resp, store.ErrNotFound)
		return
	}
	s.repositoryHeads(req, resp)
}

func (s *Server) FetchRepository(req *restful.Request, resp *restful.Response) {
	if s.repos == nil {
		writeError(req, resp, store.ErrNotFound)
		return
	}
	if err := s.repos.Fetch(req.Request.Context(), req.PathParameter("name")); err != nil {
		writeError(req, resp, err)
		return
	}
	s.repositoryHeads(req, resp)
}
