package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type investigationParams struct {
	ID string `param:"id" validate:"required"`
}

func CreateInvestigationHandler(c echo.Context) error {
	type createInvestigationBody struct {
		ID   string `json:"id" validate:"omitempty,max=64,excludesall=/ "`
		Name string `json:"name" validate:"max=256"`
	}

	body := new(createInvestigationBody)
	if err := bindAndValidate(c, body); err != nil {
		return err
	}

	info, err := registry(c).Create(c.Request().Context(), body.ID, body.Name)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, info)
}

func ListInvestigationsHandler(c echo.Context) error {
	list, err := registry(c).List(c.Request().Context())
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, list)
}

func GetInvestigationHandler(c echo.Context) error {
	params := new(investigationParams)
	if err := bindAndValidate(c, params); err != nil {
		return err
	}

	info, err := registry(c).Info(c.Request().Context(), params.ID)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

func DeleteInvestigationHandler(c echo.Context) error {
	params := new(investigationParams)
	if err := bindAndValidate(c, params); err != nil {
		return err
	}

	if err := registry(c).Delete(c.Request().Context(), params.ID); err != nil {
		return errorResponse(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
