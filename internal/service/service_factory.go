package service

import (
	"portal-auth/internal/config"
	"portal-auth/internal/repository/scylla"
	"portal-auth/internal/secondfactor"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	cfg         *config.Config
	accountRepo scylla.AccountRepository
	roleRepo    scylla.RoleRepository
	sessions    SessionStore
	hasher      CredentialHasher
	factor      secondfactor.Factor
	recorder    AuditRecorder

	sessionIssuer *SessionIssuer
	sessionGate   *SessionGate
	loginService  *LoginService
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(
	cfg *config.Config,
	accountRepo scylla.AccountRepository,
	roleRepo scylla.RoleRepository,
	sessions SessionStore,
	hasher CredentialHasher,
	factor secondfactor.Factor,
	recorder AuditRecorder,
) *ServiceFactory {
	return &ServiceFactory{
		cfg:         cfg,
		accountRepo: accountRepo,
		roleRepo:    roleRepo,
		sessions:    sessions,
		hasher:      hasher,
		factor:      factor,
		recorder:    recorder,
	}
}

func (f *ServiceFactory) SessionIssuer() *SessionIssuer {
	if f.sessionIssuer == nil {
		f.sessionIssuer = NewSessionIssuer(f.accountRepo, f.sessions)
	}
	return f.sessionIssuer
}

func (f *ServiceFactory) SessionGate() *SessionGate {
	if f.sessionGate == nil {
		f.sessionGate = NewSessionGate(f.accountRepo, f.sessions, f.recorder)
	}
	return f.sessionGate
}

// LoginService returns the login service instance (singleton)
func (f *ServiceFactory) LoginService() *LoginService {
	if f.loginService == nil {
		f.loginService = NewLoginService(
			f.cfg.Session,
			f.accountRepo,
			f.roleRepo,
			f.hasher,
			f.factor,
			f.SessionIssuer(),
			f.sessions,
			f.recorder,
		)
	}
	return f.loginService
}
