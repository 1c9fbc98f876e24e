package models

type Role struct {
	RoleID      int    `db:"role_id"`
	Name        string `db:"name"`
	Prefix      string `db:"prefix"`
	LandingPath string `db:"landing_path"`
}

type MenuEntry struct {
	MenuID int    `db:"menu_id" json:"menu_id"`
	Name   string `db:"name" json:"name"`
	URL    string `db:"url" json:"url"`
	Icon   string `db:"icon" json:"icon"`
}
