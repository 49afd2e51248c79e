package kernel

// Typed identifiers for the core entities. They are opaque strings (UUIDs
// in practice) so repositories and services cannot mix them up.

type UserID string

func NewUserID(id string) UserID { return UserID(id) }
func (u UserID) String() string  { return string(u) }
func (u UserID) IsEmpty() bool   { return string(u) == "" }

// Subject returns the token subject form, e.g. "user:3f2a…".
func (u UserID) Subject() string { return "user:" + string(u) }

type SessionID string

func NewSessionID(id string) SessionID { return SessionID(id) }
func (s SessionID) String() string     { return string(s) }
func (s SessionID) IsEmpty() bool      { return string(s) == "" }

// FamilyID identifies a refresh-token family. One family per session.
type FamilyID string

func NewFamilyID(id string) FamilyID { return FamilyID(id) }
func (f FamilyID) String() string    { return string(f) }
func (f FamilyID) IsEmpty() bool     { return string(f) == "" }

// AccountID identifies a linked trading account.
type AccountID string

func NewAccountID(id string) AccountID { return AccountID(id) }
func (a AccountID) String() string     { return string(a) }
func (a AccountID) IsEmpty() bool      { return string(a) == "" }

// VaultRef is the opaque handle the credential vault hands out. It is the
// only thing the operational store may persist in place of a secret.
type VaultRef string

func NewVaultRef(id string) VaultRef { return VaultRef(id) }
func (v VaultRef) String() string    { return string(v) }
func (v VaultRef) IsEmpty() bool     { return string(v) == "" }
