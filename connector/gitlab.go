package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lcpu-dev/labsched/models"
	"github.com/lcpu-dev/labsched/utils/logging"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"github.com/xanzy/go-gitlab"
)

const takenMessage = "has already been taken"

var ErrGitlabNotFound = errors.New("gitlab object not found after name collision")

// Gitlab provisions one group and one user per instance, both named after
// the instance public token. GitLab has no upsert, so every creation
// adopts an existing object when the name is already taken.
type Gitlab struct {
	client      *gitlab.Client
	emailDomain string
}

type GitlabOptions struct {
	URL         string
	Key         string
	EmailDomain string
	Timeout     time.Duration
}

func NewGitlab(opts GitlabOptions) (*Gitlab, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.EmailDomain == "" {
		opts.EmailDomain = "labs.invalid"
	}
	client, err := gitlab.NewClient(opts.Key,
		gitlab.WithBaseURL(opts.URL),
		gitlab.WithHTTPClient(&http.Client{Timeout: opts.Timeout}),
	)
	if err != nil {
		return nil, err
	}
	return &Gitlab{client: client, emailDomain: opts.EmailDomain}, nil
}

func isTaken(err error) bool {
	return err != nil && strings.Contains(err.Error(), takenMessage)
}

// EnsureGroup creates the group path, or returns the existing one.
func (g *Gitlab) EnsureGroup(ctx context.Context, path, name string) (*models.GitlabGroup, error) {
	grp, _, err := g.client.Groups.CreateGroup(&gitlab.CreateGroupOptions{
		Name:       gitlab.Ptr(name),
		Path:       gitlab.Ptr(path),
		Visibility: gitlab.Ptr(gitlab.PrivateVisibility),
	}, gitlab.WithContext(ctx))
	if err == nil {
		return groupResult(grp), nil
	}
	if !isTaken(err) {
		return nil, err
	}
	logging.From(ctx).WithField("group", path).Info("gitlab group exists, adopting")
	groups, _, err := g.client.Groups.ListGroups(&gitlab.ListGroupsOptions{
		Search:       gitlab.Ptr(path),
		AllAvailable: gitlab.Ptr(true),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	for _, grp := range groups {
		if grp.Path == path || grp.FullPath == path {
			return groupResult(grp), nil
		}
	}
	return nil, fmt.Errorf("group %s: %w", path, ErrGitlabNotFound)
}

func groupResult(grp *gitlab.Group) *models.GitlabGroup {
	return &models.GitlabGroup{ID: grp.ID, Name: grp.Name, Path: grp.Path, Link: grp.WebURL}
}

// EnsureUser creates the user, or returns the existing one. An adopted
// user keeps its password, which is then unknown here.
func (g *Gitlab) EnsureUser(ctx context.Context, username, name string) (*models.GitlabUser, error) {
	password := strings.ReplaceAll(uuid.NewString(), "-", "")
	email := username + "@" + g.emailDomain
	u, _, err := g.client.Users.CreateUser(&gitlab.CreateUserOptions{
		Username:         gitlab.Ptr(username),
		Name:             gitlab.Ptr(name),
		Email:            gitlab.Ptr(email),
		Password:         gitlab.Ptr(password),
		SkipConfirmation: gitlab.Ptr(true),
	}, gitlab.WithContext(ctx))
	if err == nil {
		r := userResult(u)
		r.Password = password
		return r, nil
	}
	if !isTaken(err) {
		return nil, err
	}
	logging.From(ctx).WithField("user", username).Info("gitlab user exists, adopting")
	users, _, err := g.client.Users.ListUsers(&gitlab.ListUsersOptions{
		Username: gitlab.Ptr(username),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if u.Username == username {
			return userResult(u), nil
		}
	}
	return nil, fmt.Errorf("user %s: %w", username, ErrGitlabNotFound)
}

func userResult(u *gitlab.User) *models.GitlabUser {
	return &models.GitlabUser{ID: u.ID, Username: u.Username, Name: u.Name, Email: u.Email, Link: u.WebURL}
}

// AddMember grants developer access; an existing membership is success.
func (g *Gitlab) AddMember(ctx context.Context, groupID, userID int) error {
	_, _, err := g.client.GroupMembers.AddGroupMember(groupID, &gitlab.AddGroupMemberOptions{
		UserID:      gitlab.Ptr(userID),
		AccessLevel: gitlab.Ptr(gitlab.DeveloperPermissions),
	}, gitlab.WithContext(ctx))
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return err
	}
	return nil
}

// CreateContext creates the group and user of inst in parallel, then binds
// the membership. Objects created before a failure are left in place; they
// are adopted on the next attempt.
func (g *Gitlab) CreateContext(ctx context.Context, inst *models.Instance) (*models.GitlabResult, error) {
	log := logging.From(ctx).WithFields(logrus.Fields{"lab": inst.Lab.ID, "username": inst.Username})
	var (
		wg               conc.WaitGroup
		group            *models.GitlabGroup
		user             *models.GitlabUser
		groupErr, usrErr error
	)
	wg.Go(func() {
		group, groupErr = g.EnsureGroup(ctx, inst.PublicToken, inst.Lab.ID+"-"+inst.PublicToken)
	})
	wg.Go(func() {
		user, usrErr = g.EnsureUser(ctx, inst.PublicToken, inst.Username)
	})
	wg.Wait()
	if groupErr != nil {
		log.WithError(groupErr).Error("failed to create gitlab group")
		return nil, groupErr
	}
	if usrErr != nil {
		log.WithError(usrErr).Error("failed to create gitlab user")
		return nil, usrErr
	}
	if err := g.AddMember(ctx, group.ID, user.ID); err != nil {
		log.WithError(err).WithFields(logrus.Fields{"group": group.ID, "user": user.ID}).Error("failed to add gitlab group member")
		return nil, err
	}
	return &models.GitlabResult{Group: group, User: user}, nil
}
